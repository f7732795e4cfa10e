package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// waitForEvent returns the first event matching kind, or fails after a timeout.
func waitForEvent(t *testing.T, w *Watcher, kind EventKind) FileEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind {
				return ev
			}
		case err := <-w.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

// TestWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
	if err := w.Start(filepath.Join(dir, "token"), dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start("", dir); err == nil {
		t.Error("Start() on a running watcher should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

// TestWatcher_TokenEvents verifies that token writes and removals are reported.
func TestWatcher_TokenEvents(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")

	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(tokenFile, ""); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tokenFile, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	ev := waitForEvent(t, w, KindToken)
	if filepath.Base(ev.Path) != "token" || ev.Removed {
		t.Errorf("event = %+v", ev)
	}

	if err := os.Remove(tokenFile); err != nil {
		t.Fatal(err)
	}
	for {
		ev = waitForEvent(t, w, KindToken)
		if ev.Removed {
			break
		}
	}
}

// TestWatcher_InboxFiltering verifies that only new image files in the inbox are reported.
func TestWatcher_InboxFiltering(t *testing.T) {
	inbox := t.TempDir()

	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start("", inbox); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for _, name := range []string{"notes.txt", ".partial.jpg"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(inbox, "Receipt.JPG"), []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, w, KindInbox)
	if filepath.Base(ev.Path) != "Receipt.JPG" {
		t.Errorf("inbox event for %s, want Receipt.JPG", ev.Path)
	}
}

// TestIsInboxFile tests the inbox file filter.
func TestIsInboxFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"scan.jpg", true},
		{"scan.JPEG", true},
		{"/tmp/inbox/page.png", true},
		{"photo.heic", true},
		{"doc.pdf", false},
		{".hidden.jpg", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsInboxFile(tt.name); got != tt.want {
			t.Errorf("IsInboxFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
