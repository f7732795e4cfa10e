package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/scanvault/docsync/internal/ui"
)

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	GroupID: "maintenance",
	Short:   "Delete page images no document uses",
	Long: `Scan the blob store and delete image files that no local document owns
or references. The daemon does this after each sync that removed documents.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		e := openEngine(context.Background())
		defer closeEngine(e)

		if !confirm(yes, "Delete unreferenced page images?", "Images of queued edits are kept.") {
			fmt.Println("Cancelled")
			return
		}
		res, err := e.Sweep()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Scanned %d, deleted %d, kept %d\n", ui.Label.Render("✓"), res.Scanned, res.Deleted, res.Kept)
		for _, msg := range res.Errors {
			fmt.Fprintln(os.Stderr, ui.WarningText.Render("  "+msg))
		}
	},
}

var purgeFailedCmd = &cobra.Command{
	Use:     "purge-failed",
	GroupID: "maintenance",
	Short:   "Give up on documents the server rejected",
	Long: `Drop every document in failed status.

A document the server never accepted is deleted from this device. Any other
document is refetched from the server on the next sync, replacing the
rejected local copy.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := context.Background()

		e := openEngine(ctx)
		defer closeEngine(e)

		failed := e.Failed()
		if len(failed) == 0 {
			fmt.Println("No failed documents")
			return
		}
		fmt.Println(ui.DocumentTable(failed, folderNames(e), time.Now()))
		if !confirm(yes, fmt.Sprintf("Discard local changes to %d document(s)?", len(failed)), "This cannot be undone.") {
			fmt.Println("Cancelled")
			return
		}
		n, err := e.DiscardFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Discarded %d document(s)\n", ui.Label.Render("✓"), n)
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry <id>...",
	GroupID: "sync",
	Short:   "Queue failed documents or folders again",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		e := openEngine(ctx)
		defer closeEngine(e)

		failures := 0
		for _, id := range args {
			if err := e.Retry(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s: %v\n", id, err)
				failures++
				continue
			}
			fmt.Printf("%s %s queued\n", ui.Label.Render("✓"), id)
		}
		if failures > 0 {
			os.Exit(1)
		}
		fmt.Println(ui.Subtle.Render("Run `docsync sync` or keep the daemon running to send them."))
	},
}

// confirm asks for confirmation on an interactive terminal. Without one,
// only --yes proceeds.
func confirm(yes bool, title, description string) bool {
	if yes {
		return true
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Refusing to continue without a terminal; pass --yes")
		return false
	}
	ok := false
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false
	}
	return ok
}

func init() {
	sweepCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	purgeFailedCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(purgeFailedCmd)
	rootCmd.AddCommand(retryCmd)
}
