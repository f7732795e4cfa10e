package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/scanvault/docsync/internal/schema"
)

func plain(t *testing.T) {
	t.Helper()
	lipgloss.SetColorProfile(termenv.Ascii)
}

// TestColorEnabled tests that non-terminals and NO_COLOR disable styling.
func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	if ColorEnabled(&buf) {
		t.Error("buffer treated as a terminal")
	}
	t.Setenv("NO_COLOR", "1")
	if ColorEnabled(&buf) {
		t.Error("NO_COLOR ignored")
	}
}

// TestDocumentTable tests the list rendering.
func TestDocumentTable(t *testing.T) {
	plain(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := []*schema.Document{
		{ID: "srv-1", Name: "Lease", FolderID: "f1", Pages: make([]schema.Page, 2), SyncStatus: schema.StatusSynced, UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "local-0123456789abcdef", Name: "Receipt", SyncStatus: schema.StatusFailed, UpdatedAt: now.Add(-30 * time.Second)},
	}

	out := DocumentTable(docs, map[string]string{"f1": "Housing"}, now)
	for _, want := range []string{"NAME", "Lease", "Housing", "synced", "2h ago", "local-01234567", "failed", "just now"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("provisional id not shortened")
	}
}

// TestStatusCounts tests the fixed status order.
func TestStatusCounts(t *testing.T) {
	plain(t)
	out := StatusCounts(map[schema.SyncStatus]int{schema.StatusFailed: 2, schema.StatusSynced: 5})
	if !strings.HasPrefix(out, "synced 5") || !strings.Contains(out, "failed 2") || !strings.Contains(out, "local 0") {
		t.Errorf("counts = %q", out)
	}
}

// TestAgo tests relative time formatting.
func TestAgo(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"seconds", now.Add(-10 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ago(tt.t, now); got != tt.want {
				t.Errorf("Ago = %q, want %q", got, tt.want)
			}
		})
	}
}
