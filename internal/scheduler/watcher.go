package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventKind says what a watched file change means to the sync engine.
type EventKind int

const (
	// KindToken means the auth token file was written, replaced or removed.
	KindToken EventKind = iota
	// KindInbox means an image landed in the scan inbox.
	KindInbox
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindInbox:
		return "inbox"
	default:
		return "unknown"
	}
}

// inboxExts are the file types accepted as scanned pages.
var inboxExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".webp": true,
}

// FileEvent is a change the engine cares about.
type FileEvent struct {
	// Path is the absolute path of the changed file.
	Path string
	Kind EventKind
	// Removed is set when the file is gone (token sign-out).
	Removed bool
}

// Watcher watches the token file and the scan inbox directory.
// The token file's directory is watched rather than the file itself so that
// atomic replace-by-rename is seen.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	tokenFile string
	inboxDir  string
}

// NewWatcher creates a Watcher. Start must be called before it emits events.
func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: w,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches tokenFile (may be empty) and inboxDir (may be empty). Both
// parent directories must exist.
func (w *Watcher) Start(tokenFile, inboxDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if tokenFile == "" && inboxDir == "" {
		return fmt.Errorf("nothing to watch")
	}

	var added []string
	if tokenFile != "" {
		abs, err := filepath.Abs(tokenFile)
		if err != nil {
			return fmt.Errorf("failed to resolve token file: %w", err)
		}
		dir := filepath.Dir(abs)
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch token directory %s: %w", dir, err)
		}
		added = append(added, dir)
		w.tokenFile = abs
	}
	if inboxDir != "" {
		abs, err := filepath.Abs(inboxDir)
		if err != nil {
			return fmt.Errorf("failed to resolve inbox: %w", err)
		}
		if err := w.watcher.Add(abs); err != nil {
			for _, d := range added {
				_ = w.watcher.Remove(d)
			}
			return fmt.Errorf("failed to watch inbox %s: %w", abs, err)
		}
		w.inboxDir = abs
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of file events. It is closed by Stop.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent, or reports false if the
// engine does not care about it.
func (w *Watcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return FileEvent{}, false
	}
	path, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)

	if w.tokenFile != "" && path == w.tokenFile {
		return FileEvent{Path: path, Kind: KindToken, Removed: removed}, true
	}

	if w.inboxDir != "" && filepath.Dir(path) == w.inboxDir {
		// Only new files matter; the ingester removes them when done.
		if removed || event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return FileEvent{}, false
		}
		if !IsInboxFile(path) {
			return FileEvent{}, false
		}
		return FileEvent{Path: path, Kind: KindInbox}, true
	}
	return FileEvent{}, false
}

// IsInboxFile reports whether name looks like a scanned page the inbox
// accepts.
func IsInboxFile(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && inboxExts[strings.ToLower(filepath.Ext(base))]
}
