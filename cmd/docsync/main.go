// Command docsync keeps a device's scanned documents in sync with the
// document server while working fully offline in between.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/config"
	"github.com/scanvault/docsync/internal/engine"
	"github.com/scanvault/docsync/internal/ui"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first document sync",
	Long: `docsync stores scanned documents locally and syncs them with the
document server whenever it is reachable.

Every edit is saved on this device first and queued. The daemon sends the
queue and pulls server changes on startup, on reconnect, on a timer and on
request.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Setup(os.Stdout)
		if cmd.Name() == "init" {
			return nil
		}
		if err := config.Initialize(configPath); err != nil {
			return err
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			config.Set("data.dir", dir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "docs", Title: "Documents:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .docsync/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides data.dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show component logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings returns the resolved settings or exits.
func loadSettings() config.Settings {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return settings
}

// openEngine opens the engine for a one-shot command. Mutations wait for
// an explicit sync instead of draining in the background.
func openEngine(ctx context.Context) *engine.Engine {
	var logOut io.Writer = io.Discard
	if verbose {
		logOut = os.Stderr
	}
	e, err := engine.Open(ctx, loadSettings(), &engine.Options{
		LogOutput:        logOut,
		DisableAutoDrain: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening data directory: %v\n", err)
		os.Exit(1)
	}
	return e
}

func closeEngine(e *engine.Engine) {
	if err := e.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close failed: %v\n", err)
	}
}
