package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/migrate"
	"github.com/scanvault/docsync/internal/store"
	"github.com/scanvault/docsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "maintenance",
	Short:   "Write document and folder metadata as JSONL",
	Long: `Export every folder and document to a JSONL file, one record per line.

Only metadata is written. Page images stay in the blob store and are kept
as references. Sync status is not exported.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		backup, _ := cmd.Flags().GetBool("backup")

		e := openEngine(context.Background())
		defer closeEngine(e)

		res, err := migrate.ExportFile(args[0], backup, e.Store().ListFolders(), e.Store().ListDocuments(store.Filter{}))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d folders and %d documents to %s\n",
			ui.Label.Render("✓"), res.Folders, res.Documents, args[0])
		if res.BackupCreated != "" {
			fmt.Println(ui.Subtle.Render("Previous file saved as " + res.BackupCreated))
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maintenance",
	Short:   "Load document and folder metadata from JSONL",
	Long: `Import folders and documents from a JSONL export.

Records whose id already exists here are skipped. Everything else gets a new
local id and is queued for upload on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := context.Background()

		e := openEngine(ctx)
		defer closeEngine(e)

		res, err := migrate.Import(ctx, args[0], e, migrate.ImportOptions{DryRun: dryRun})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %d folders and %d documents (%d skipped)\n",
			verb, res.FoldersImported, res.DocumentsImported, res.Skipped)
		for _, msg := range res.Errors {
			fmt.Fprintln(os.Stderr, ui.WarningText.Render("  "+msg))
		}
		if len(res.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	exportCmd.Flags().Bool("backup", true, "Keep a timestamped copy of an existing file")
	importCmd.Flags().Bool("dry-run", false, "Report what would be imported without writing")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
