package schema

import (
	"fmt"
	"time"
)

// Folder groups documents. It mirrors Document's lifecycle but carries no blobs.
type Folder struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id,omitempty"`
	Name       string     `json:"name"`
	Color      string     `json:"color,omitempty"`
	Protected  bool       `json:"is_protected"`
	ParentID   string     `json:"parent_id,omitempty"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks if the Folder has valid field values.
func (f *Folder) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if f.ParentID == f.ID {
		return fmt.Errorf("folder %s cannot be its own parent", f.ID)
	}
	if f.SyncStatus != "" && !f.SyncStatus.IsValid() {
		return fmt.Errorf("invalid sync status: %s", f.SyncStatus)
	}
	if f.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (f *Folder) SetDefaults() {
	if f.SyncStatus == "" {
		f.SyncStatus = StatusLocal
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
}

// Clone returns a copy of the folder.
func (f *Folder) Clone() *Folder {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
