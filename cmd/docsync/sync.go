package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/engine"
	"github.com/scanvault/docsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send queued edits and pull server changes once",
	Long: `Run one sync cycle now:
  1. Sends every queued create, update and delete in order
  2. Fetches the server manifest
  3. Removes documents deleted on the server
  4. Fetches new and changed documents

Without a token this does nothing and reports local-only mode.`,
	Run: func(cmd *cobra.Command, args []string) {
		pushOnly, _ := cmd.Flags().GetBool("push-only")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e := openEngine(ctx)
		defer closeEngine(e)

		if pushOnly {
			report, err := e.Drain(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Sent %d, rejected %d, failed %d\n", report.Sent, report.Rejected, len(report.Failed))
			return
		}

		fmt.Printf("%s Syncing %s...\n", ui.Title.Render("⟳"), e.Settings().DataDir)
		report, err := e.RunCycle(ctx, "manual")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.ErrorText.Render("Sync failed:"), err)
			os.Exit(1)
		}
		printCycle(report)
	},
}

func printCycle(r *engine.CycleReport) {
	if r.LocalOnly {
		fmt.Println(ui.WarningText.Render("Local-only mode: no server or no token. Edits stay queued."))
		return
	}
	if d := r.Drain; d != nil {
		fmt.Println(ui.KeyValue("Sent", d.Sent))
		if d.Rejected > 0 {
			fmt.Println(ui.KeyValue("Rejected", d.Rejected))
		}
		if len(d.Failed) > 0 {
			fmt.Println(ui.KeyValue("Failed", ui.ErrorText.Render(fmt.Sprint(len(d.Failed)))))
		}
	}
	if r.DrainErr != nil {
		fmt.Println(ui.WarningText.Render("Upload stopped early: " + r.DrainErr.Error()))
	}
	if m := r.Manifest; m != nil {
		fmt.Println(ui.KeyValue("Fetched", fmt.Sprintf("%d of %d", len(m.Fetched), len(m.ToFetch))))
		fmt.Println(ui.KeyValue("Removed", m.Purged))
		if m.KeptLocal > 0 {
			fmt.Println(ui.KeyValue("Kept local pages", m.KeptLocal))
		}
		if m.TimedOut {
			fmt.Println(ui.WarningText.Render("Cycle timed out; the rest is fetched next time."))
		}
	}
	if r.Swept > 0 {
		fmt.Println(ui.KeyValue("Images released", r.Swept))
	}
	fmt.Printf("%s Done in %v\n", ui.Label.Render("✓"), r.Duration.Round(time.Millisecond))
}

func init() {
	syncCmd.Flags().Bool("push-only", false, "Only send queued edits")
	rootCmd.AddCommand(syncCmd)
}
