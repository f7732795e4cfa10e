// Package ui renders CLI output: sync status badges, document tables and
// cycle summaries.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/scanvault/docsync/internal/schema"
)

var (
	// Colors
	Primary = lipgloss.Color("#7C3AED") // Purple
	Success = lipgloss.Color("#10B981") // Green
	Muted   = lipgloss.Color("#6B7280") // Gray
	Warning = lipgloss.Color("#F59E0B") // Amber
	Danger  = lipgloss.Color("#EF4444") // Red
	Info    = lipgloss.Color("#60A5FA") // Blue

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Subtle = lipgloss.NewStyle().
		Foreground(Muted)

	Label = lipgloss.NewStyle().
		Foreground(Success).
		Bold(true)

	ErrorText = lipgloss.NewStyle().
			Foreground(Danger).
			Bold(true)

	WarningText = lipgloss.NewStyle().
			Foreground(Warning)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		Padding(0, 1)

	Cell = lipgloss.NewStyle().
		Padding(0, 1)
)

var statusColors = map[schema.SyncStatus]lipgloss.Color{
	schema.StatusLocal:   Warning,
	schema.StatusSyncing: Info,
	schema.StatusSynced:  Success,
	schema.StatusFailed:  Danger,
}

// Setup picks the colour profile for out. Colour is disabled when NO_COLOR
// is set or out is not a terminal.
func Setup(out io.Writer) {
	if !ColorEnabled(out) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// ColorEnabled reports whether out should receive ANSI styling.
func ColorEnabled(out io.Writer) bool {
	if termenv.EnvNoColor() {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Status renders a sync status as a coloured badge.
func Status(s schema.SyncStatus) string {
	color, ok := statusColors[s]
	if !ok {
		color = Muted
	}
	return lipgloss.NewStyle().Foreground(color).Bold(s == schema.StatusFailed).Render(string(s))
}
