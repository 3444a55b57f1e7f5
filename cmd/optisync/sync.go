package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bellaotica/optisync/internal/sync"
	"github.com/bellaotica/optisync/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle now",
	Long: `Push every queued local change and pull remote updates for all
tables, then exit.

Use this after reconnecting, or any time you want to confirm the local
database matches the server without waiting for the daemon's next tick.`,
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

		gw, err := e.gateway()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer gw.Close()

		engine := sync.New(e.store, e.queue, gw, nil)

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), e.cfg.ServerURL)
		start := time.Now()

		if err := engine.SyncNow(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"),
			time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
