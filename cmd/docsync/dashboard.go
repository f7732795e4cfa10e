package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve the status dashboard without syncing",
	Long: `Start a WebSocket dashboard for this device's documents without running
the sync scheduler. Use the daemon to get live sync events as well.

WebSocket messages include:
- stats: document counts, queue length, connectivity and last sync time

Example usage:
  docsync dashboard                   # Start on dashboard.port (default 8080)
  docsync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		port := settings.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		refresh, _ := cmd.Flags().GetDuration("refresh")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e := openEngine(ctx)
		defer closeEngine(e)

		logger := log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
		server := dashboard.NewServer(&dashboard.Config{
			Port:     port,
			Snapshot: e.Stats,
			Logger:   logger,
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}
		handler := dashboard.NewHandler(server, e.Stats, logger)

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				handler.BroadcastStats()
			}
		}

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on (overrides dashboard.port)")
	dashboardCmd.Flags().Duration("refresh", 5*time.Second, "How often stats are re-broadcast")
	rootCmd.AddCommand(dashboardCmd)
}
