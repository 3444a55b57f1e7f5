package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bellaotica/optisync/internal/loadtest"
	"github.com/bellaotica/optisync/internal/ui"
	"github.com/spf13/cobra"
)

var (
	loadtestRecords int
	loadtestClients int
	loadtestQueries int
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure local read latency under concurrent load",
	Long: `Populate a throwaway database and measure read latency with many
concurrent clients, simulating every till and back-office screen in a
shop reading at once.

The test database is created under the system temp directory and
removed afterwards; the real local database is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := os.MkdirTemp("", "optisync-loadtest-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		fmt.Printf("%s Populating %d records per table...\n",
			ui.RenderAccent("🔄"), loadtestRecords)

		td, err := loadtest.CreateTestDatabase(filepath.Join(dir, "loadtest.db"), loadtestRecords)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Setup failed: %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}
		defer td.Close()

		fmt.Printf("%s Running %d clients x %d queries...\n",
			ui.RenderAccent("🔄"), loadtestClients, loadtestQueries)

		stats, err := td.RunConcurrentReads(loadtestClients, loadtestQueries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Load test failed: %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}

		fmt.Println()
		stats.PrintStats()
	},
}

func init() {
	loadtestCmd.Flags().IntVar(&loadtestRecords, "records", 500, "records per table")
	loadtestCmd.Flags().IntVar(&loadtestClients, "clients", 50, "concurrent clients")
	loadtestCmd.Flags().IntVar(&loadtestQueries, "queries", 20, "queries per client")
	rootCmd.AddCommand(loadtestCmd)
}
