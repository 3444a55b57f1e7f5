// Command optisync is the offline-first sync agent for the optical
// retail dashboard.
//
// It keeps a local SQLite mirror of the store's data, queues writes made
// while offline, and reconciles with the server whenever connectivity
// allows. Run `optisync daemon` on each till machine; the remaining
// commands are one-shot operations against the same local database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "optisync",
	Short: "Offline-first sync agent for the optical retail dashboard",
	Long: `optisync keeps a local mirror of your store's records and syncs
them with the server whenever a connection is available.

Sales, stock movements, and customer edits always land locally first;
the change queue pushes them in order once the shop is back online.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
