package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/engine"
	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/store"
	"github.com/scanvault/docsync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "docs",
	Short:   "List local documents",
	Long: `List documents stored on this device, most recently updated first.

Example usage:
  docsync list --since yesterday
  docsync list --since "last monday" --status local
  docsync list --folder root --tag tax`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		folder, _ := cmd.Flags().GetString("folder")
		tag, _ := cmd.Flags().GetString("tag")
		status, _ := cmd.Flags().GetString("status")
		name, _ := cmd.Flags().GetString("name")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.Filter{Tag: tag, NameContains: name, Limit: limit}
		if status != "" {
			filter.Status = schema.SyncStatus(status)
			if !filter.Status.IsValid() {
				fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", status)
				os.Exit(1)
			}
		}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			filter.UpdatedSince = t
		}

		e := openEngine(context.Background())
		defer closeEngine(e)

		if cmd.Flags().Changed("folder") {
			id := folderByName(e, folder)
			filter.FolderID = &id
		}

		docs := e.Store().ListDocuments(filter)
		if len(docs) == 0 {
			fmt.Println(ui.Subtle.Render("No documents."))
			return
		}
		fmt.Println(ui.DocumentTable(docs, folderNames(e), time.Now()))
	},
}

// parseSince accepts a duration ("48h"), a date ("2026-04-01") or a
// natural-language phrase ("yesterday", "last friday").
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

// folderByName resolves a folder flag: "root" or "" is the root, anything
// else is matched as an id first, then as a name.
func folderByName(e *engine.Engine, v string) string {
	if v == "" || v == "root" {
		return ""
	}
	if _, err := e.Store().GetFolder(v); err == nil {
		return v
	}
	for _, f := range e.Store().ListFolders() {
		if f.Name == v {
			return f.ID
		}
	}
	fmt.Fprintf(os.Stderr, "Error: no folder %q\n", v)
	os.Exit(1)
	return ""
}

func folderNames(e *engine.Engine) map[string]string {
	names := make(map[string]string)
	for _, f := range e.Store().ListFolders() {
		names[f.ID] = f.Name
	}
	return names
}

func init() {
	listCmd.Flags().String("since", "", "Only documents updated since (e.g. 24h, 2026-04-01, yesterday)")
	listCmd.Flags().String("folder", "", "Folder id or name (root for unfiled)")
	listCmd.Flags().String("tag", "", "Only documents with this tag")
	listCmd.Flags().String("status", "", "Only documents with this sync status (local, syncing, synced, failed)")
	listCmd.Flags().String("name", "", "Only documents whose name contains this")
	listCmd.Flags().IntP("limit", "n", 0, "Maximum number of documents")
	rootCmd.AddCommand(listCmd)
}
