package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/scanvault/docsync/internal/config"
	"github.com/scanvault/docsync/internal/dashboard"
	"github.com/scanvault/docsync/internal/engine"
	"github.com/scanvault/docsync/internal/scheduler"
)

// inboxSettle is how long an inbox file must stay unchanged before it is
// ingested.
const inboxSettle = 500 * time.Millisecond

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync scheduler, inbox watcher and dashboard",
	Long: `Run in the foreground until interrupted.

The daemon:
  - syncs on startup, when the server becomes reachable again, on a timer
    and when a dashboard client asks
  - syncs right after the token file appears or changes
  - turns images dropped into <data dir>/inbox into new documents
  - broadcasts status over WebSocket (ws://localhost:<port>/ws)

Logs go to log.file (rotated) or stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		settings := loadSettings()
		if cmd.Flags().Changed("port") {
			settings.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		logOut := daemonLogOutput(settings.Log)
		if lj, ok := logOut.(*lumberjack.Logger); ok {
			defer lj.Close()
		}
		logger := log.New(logOut, "[daemon] ", log.LstdFlags)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runDaemon(ctx, settings, logOut, logger, !noDashboard); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func daemonLogOutput(cfg config.LogSettings) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

func runDaemon(ctx context.Context, settings config.Settings, logOut io.Writer, logger *log.Logger, withDashboard bool) error {
	e, err := engine.Open(ctx, settings, &engine.Options{LogOutput: logOut})
	if err != nil {
		return err
	}
	defer closeEngine(e)

	sched, err := scheduler.New(
		func(ctx context.Context, reason scheduler.Reason) error {
			_, err := e.RunCycle(ctx, string(reason))
			return err
		},
		&scheduler.Config{
			MinInterval:      settings.Sync.MinInterval,
			PeriodicInterval: settings.Sync.PeriodicInterval,
			ProbeInterval:    settings.Sync.ProbeInterval,
			Probe: func(ctx context.Context) error {
				err := e.Probe(ctx)
				e.SetOnline(err == nil)
				return err
			},
			Logger: log.New(logOut, "[scheduler] ", log.LstdFlags),
		})
	if err != nil {
		return err
	}

	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{
			Port:     settings.Dashboard.Port,
			Snapshot: e.Stats,
			OnControl: func(msg dashboard.ControlMessage) {
				switch msg.Type {
				case dashboard.ControlForeground:
					sched.OnForeground()
				case dashboard.ControlSync:
					sched.Manual()
				case dashboard.ControlConnectivity:
					e.SetOnline(msg.Online)
					sched.OnConnectivity(msg.Online)
				}
			},
			Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
		})
		e.SetPublisher(dashboard.NewHandler(server, e.Stats, log.New(logOut, "[dashboard] ", log.LstdFlags)))
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Printf("Warning: dashboard shutdown: %v", err)
			}
		}()
		logger.Printf("Dashboard on ws://%s/ws", server.GetAddr())
	}

	if err := os.MkdirAll(settings.InboxDir(), 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(settings.TokenFile), 0755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if docs, err := e.IngestInbox(ctx, 0); err != nil {
		logger.Printf("Warning: inbox scan failed: %v", err)
	} else if len(docs) > 0 {
		logger.Printf("Ingested %d waiting inbox file(s)", len(docs))
	}

	watcher, err := scheduler.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(settings.TokenFile, settings.InboxDir()); err != nil {
		return err
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		watchLoop(ctx, e, sched, watcher, logger)
	}()
	defer func() {
		_ = watcher.Stop()
		<-loopDone
	}()

	logger.Printf("docsync daemon running for %s", settings.DataDir)
	return sched.Run(ctx)
}

// watchLoop turns file events into triggers until the watcher stops.
func watchLoop(ctx context.Context, e *engine.Engine, sched *scheduler.Scheduler, w *scheduler.Watcher, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Printf("Watcher error: %v", err)
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case scheduler.KindToken:
				if ev.Removed {
					logger.Println("Token removed: local-only mode")
					continue
				}
				logger.Printf("Token changed: %s", sched.Trigger(scheduler.ReasonAuth))
			case scheduler.KindInbox:
				if err := ingestWhenStable(ctx, e, ev.Path); err != nil {
					logger.Printf("Warning: inbox %s: %v", filepath.Base(ev.Path), err)
					continue
				}
				sched.Trigger(scheduler.ReasonInbox)
			}
		}
	}
}

// ingestWhenStable waits for a file still being copied into the inbox.
func ingestWhenStable(ctx context.Context, e *engine.Engine, path string) error {
	for attempt := 0; attempt < 20; attempt++ {
		_, err := e.IngestFile(ctx, path, inboxSettle)
		if !errors.Is(err, engine.ErrNotStable) {
			return err
		}
	}
	return fmt.Errorf("%w after 20 checks", engine.ErrNotStable)
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not start the WebSocket dashboard")
	rootCmd.AddCommand(daemonCmd)
}
