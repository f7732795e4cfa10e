package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/config"
	"github.com/scanvault/docsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maintenance",
	Short:   "Create .docsync/config.yaml in the current directory",
	Long: `Write a starter config file with every setting spelled out.

Example usage:
  docsync init --server https://docs.example.com
  docsync init --config ~/.config/docsync/config.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		server, _ := cmd.Flags().GetString("server")

		path := configPath
		if path == "" {
			path = filepath.Join(config.DirName, "config.yaml")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := config.WriteDefault(path, server); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.Label.Render("✓"), path)
		if server == "" {
			fmt.Println("No server set: docsync runs in local-only mode until server.url is configured.")
		}
		fmt.Printf("Sign in by writing your token to %s\n", filepath.Join(filepath.Dir(path), "token"))
	},
}

func init() {
	initCmd.Flags().String("server", "", "Document server URL")
	rootCmd.AddCommand(initCmd)
}
