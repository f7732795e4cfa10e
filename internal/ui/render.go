package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/scanvault/docsync/internal/schema"
)

// DocumentTable renders documents as a table. folderNames maps folder ids
// to display names; unknown ids are shown as-is.
func DocumentTable(docs []*schema.Document, folderNames map[string]string, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(Subtle).
		Headers("ID", "NAME", "FOLDER", "PAGES", "STATUS", "UPDATED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Header
			}
			return Cell
		})

	for _, d := range docs {
		folder := "-"
		if d.FolderID != "" {
			folder = d.FolderID
			if name, ok := folderNames[d.FolderID]; ok {
				folder = name
			}
		}
		t.Row(
			ShortID(d.ID),
			truncate(d.Name, 40),
			truncate(folder, 24),
			fmt.Sprint(len(d.Pages)),
			Status(d.SyncStatus),
			Ago(d.UpdatedAt, now),
		)
	}
	return t.String()
}

// StatusCounts renders per-status counts on one line in a fixed order.
func StatusCounts(counts map[schema.SyncStatus]int) string {
	order := []schema.SyncStatus{schema.StatusSynced, schema.StatusLocal, schema.StatusSyncing, schema.StatusFailed}
	var parts []string
	for _, s := range order {
		parts = append(parts, fmt.Sprintf("%s %d", Status(s), counts[s]))
	}
	var extra []string
	for s, n := range counts {
		if !s.IsValid() {
			extra = append(extra, fmt.Sprintf("%s %d", Status(s), n))
		}
	}
	sort.Strings(extra)
	return strings.Join(append(parts, extra...), Subtle.Render(" · "))
}

// KeyValue renders an aligned label/value line.
func KeyValue(key string, value any) string {
	return fmt.Sprintf("%s %v", Label.Width(14).Render(key+":"), value)
}

// ShortID abbreviates provisional ids, which are long.
func ShortID(id string) string {
	if schema.IsProvisional(id) && len(id) > len(schema.ProvisionalPrefix)+8 {
		return id[:len(schema.ProvisionalPrefix)+8]
	}
	return id
}

// Ago formats t relative to now.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return t.Local().Format("2006-01-02 15:04")
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return t.Local().Format("2006-01-02")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
