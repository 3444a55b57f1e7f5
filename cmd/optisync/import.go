package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bellaotica/optisync/internal/importer"
	"github.com/bellaotica/optisync/internal/ui"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Import record files from a directory",
	Long: `Import every {table}--{id}.json record file from a directory
into the local store as offline writes.

Each imported record is queued for push like any local edit. The
directory defaults to the configured import_dir; files are removed
after a successful import.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		dir := e.cfg.ImportDir
		if len(args) == 1 {
			dir = args[0]
		}

		imp := importer.New(dir, e.store, nil)
		n, err := imp.ImportAll(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Import failed: %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}

		if n == 0 {
			fmt.Printf("%s No record files found in %s\n", ui.RenderWarn("⚠"), dir)
			return
		}
		fmt.Printf("%s Imported %d record(s) from %s\n", ui.RenderPass("✓"), n, dir)
		fmt.Println("They will push on the next sync cycle (or run 'optisync sync').")
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
