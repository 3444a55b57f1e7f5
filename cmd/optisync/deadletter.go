package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bellaotica/optisync/internal/ui"
	"github.com/spf13/cobra"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and retry dead-lettered changes",
	Long: `Changes that failed too many push attempts are dead-lettered
instead of dropped. List them to see why they failed, then retry once
the cause (bad data, server outage) is fixed.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered changes",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		letters, err := e.queue.DeadLetters(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(letters) == 0 {
			fmt.Printf("%s No dead-lettered changes\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s Dead-lettered changes\n\n", ui.RenderWarn("⚠"))
		fmt.Printf("  %-6s %-12s %-36s %-8s %-8s %s\n",
			"ID", "TABLE", "RECORD", "OP", "TRIES", "LAST ERROR")
		for _, l := range letters {
			fmt.Printf("  %-6d %-12s %-36s %-8s %-8d %s\n",
				l.ID, l.Table, l.RecordID, l.Op, l.Attempts,
				ui.RenderDim(l.LastError))
		}
		fmt.Printf("\nRetry with: optisync deadletter retry <id>\n")
	},
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a dead-lettered change",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid entry id %q\n", args[0])
			os.Exit(1)
		}

		e, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		ctx := context.Background()
		if err := e.queue.Retry(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Entry %d re-queued at %s\n", ui.RenderPass("✓"), id,
			time.Now().Format(time.Kitchen))
		fmt.Println("It will push on the next sync cycle (or run 'optisync sync').")
	},
}

func init() {
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRetryCmd)
	rootCmd.AddCommand(deadletterCmd)
}
