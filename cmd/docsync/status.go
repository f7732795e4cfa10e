package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show document counts, queue length and failed documents",
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		e := openEngine(ctx)
		defer closeEngine(e)

		stats := e.Stats()
		failed := e.Failed()

		if asJSON {
			out := struct {
				Stats  any      `json:"stats"`
				Failed []string `json:"failed"`
			}{Stats: stats, Failed: make([]string, 0, len(failed))}
			for _, d := range failed {
				out.Failed = append(out.Failed, d.ID)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		settings := e.Settings()
		server := settings.ServerURL
		if server == "" {
			server = ui.Subtle.Render("none (local-only)")
		}
		signedIn := "yes"
		if !e.Authenticated(ctx) {
			signedIn = ui.WarningText.Render("no")
		}

		fmt.Println(ui.Title.Render("docsync status"))
		fmt.Println(ui.KeyValue("Data dir", settings.DataDir))
		fmt.Println(ui.KeyValue("Server", server))
		fmt.Println(ui.KeyValue("Signed in", signedIn))
		fmt.Println(ui.KeyValue("Documents", stats.Documents))
		fmt.Println(ui.KeyValue("Folders", stats.Folders))
		fmt.Println(ui.KeyValue("Queued", stats.Pending))
		fmt.Println(ui.KeyValue("Last sync", ui.Ago(stats.LastSync, time.Now())))

		st := e.Store().Stats()
		fmt.Println(ui.KeyValue("By status", ui.StatusCounts(st.ByStatus)))

		if len(failed) > 0 {
			fmt.Println()
			fmt.Println(ui.ErrorText.Render(fmt.Sprintf("%d document(s) failed to sync", len(failed))))
			fmt.Println(ui.DocumentTable(failed, folderNames(e), time.Now()))
			fmt.Println(ui.Subtle.Render("Run `docsync retry <id>` to try again or `docsync purge-failed` to give up."))
		}
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(statusCmd)
}
