package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bellaotica/optisync/internal/dashboard"
	"github.com/bellaotica/optisync/internal/importer"
	"github.com/bellaotica/optisync/internal/remote"
	"github.com/bellaotica/optisync/internal/sync"
	"github.com/bellaotica/optisync/internal/ui"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the long-lived sync daemon for this machine.

The daemon:
  1. Pushes queued changes and pulls remote updates on a fixed interval
  2. Reacts immediately to realtime change notices from the server
  3. Watches the import directory for dropped record files
  4. Serves the monitoring dashboard over WebSocket

Stop it with Ctrl+C or SIGTERM; queued changes survive restarts.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		if err := e.cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if e.cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   e.cfg.LogFile,
				MaxSize:    20, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			})
		}

		gw, err := e.gateway()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer gw.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var opts []sync.Option
		var dash *dashboard.Server
		var engine *sync.Engine

		if e.cfg.DashboardPort > 0 {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   e.cfg.DashboardPort,
				Logger: logger,
				Status: func(ctx context.Context) (sync.Status, error) {
					return engine.Status(ctx)
				},
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := dash.Stop(); err != nil {
					logger.Printf("Dashboard shutdown error: %v", err)
				}
			}()
			opts = append(opts, sync.WithNotifier(dashboard.NewNotifier(dash)))
		}

		engine = sync.New(e.store, e.queue, gw, logger, opts...)

		if e.cfg.RealtimeURL != "" {
			rt := remote.NewRealtime(e.cfg.RealtimeURL, e.cfg.Token, engine.Trigger, logger)
			go func() {
				if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Printf("Realtime subscriber stopped: %v", err)
				}
			}()
		}

		imp := importer.New(e.cfg.ImportDir, e.store, logger)
		go func() {
			if err := imp.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("Importer stopped: %v", err)
			}
		}()

		fmt.Printf("%s Sync daemon started (interval %s)\n",
			ui.RenderAccent("🚀"), e.cfg.SyncInterval)
		if dash != nil {
			fmt.Printf("%s Dashboard at http://localhost:%d\n",
				ui.RenderAccent("📊"), e.cfg.DashboardPort)
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			fmt.Printf("\n%s Shutting down...\n", ui.RenderWarn("⚠"))
			cancel()
		}()

		if err := engine.Run(ctx, e.cfg.SyncInterval); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "%s Daemon failed: %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
