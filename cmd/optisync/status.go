package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bellaotica/optisync/internal/schema"
	"github.com/bellaotica/optisync/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and queue status",
	Long: `Show the state of the local mirror: record counts per table,
pending changes, dead letters, and the last pull watermark per table.

This reads only the local database and works fully offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		ctx := context.Background()

		fmt.Printf("\n%s Local Sync Status\n\n", ui.RenderAccent("📊"))

		fmt.Printf("  %-12s %8s %8s %s\n", "TABLE", "RECORDS", "PENDING", "LAST PULL")
		for _, table := range schema.TableNames() {
			count, err := e.store.RecordCount(ctx, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			depth, err := e.queue.Depth(ctx, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			wm, err := e.store.Watermark(ctx, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			last := ui.RenderDim("never")
			if !wm.IsZero() {
				last = wm.Local().Format(time.RFC3339)
			}
			fmt.Printf("  %-12s %8d %8d %s\n", table, count, depth, last)
		}

		depth, err := e.queue.Depth(ctx, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		dead, err := e.queue.DeadCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		if depth == 0 {
			fmt.Printf("%s All changes synced\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s %d change(s) waiting to push\n", ui.RenderWarn("⚠"), depth)
		}
		if dead > 0 {
			fmt.Printf("%s %d dead-lettered change(s) need attention (see 'optisync deadletter list')\n",
				ui.RenderError("✗"), dead)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
