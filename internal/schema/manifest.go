package schema

import (
	"fmt"
	"time"
)

// ManifestEntry is the compact per-document summary the server publishes.
// It deliberately excludes page content.
type ManifestEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FolderID  string    `json:"folder_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
	PageCount int       `json:"page_count"`
	Tags      []string  `json:"tags,omitempty"`
	Protected bool      `json:"is_protected"`
}

// Validate checks if the entry has the fields the diff needs.
func (m *ManifestEntry) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required for %s", m.ID)
	}
	return nil
}

// Manifest is a set of entries keyed by document id.
type Manifest map[string]ManifestEntry

// NewManifest indexes entries by id. Later duplicates win.
func NewManifest(entries []ManifestEntry) Manifest {
	m := make(Manifest, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}
