// Package schema provides data structures for scanned documents, folders,
// pending operations and manifest entries.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncStatus describes how far a record is from the server's copy.
type SyncStatus string

const (
	// StatusLocal means the record has edits the server has not seen.
	StatusLocal SyncStatus = "local"
	// StatusSyncing means an operation for the record is in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusSynced means the local record matches the last server acknowledgment.
	StatusSynced SyncStatus = "synced"
	// StatusFailed means the server rejected the record's operation.
	StatusFailed SyncStatus = "failed"
)

// IsValid reports whether s is one of the known statuses.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusLocal, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// ProvisionalPrefix marks identifiers generated on the device before the
// server has issued a permanent one.
const ProvisionalPrefix = "local-"

// NewProvisionalID returns a fresh device-local identifier.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was generated locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// LocalRefScheme prefixes references to images held in the blob store.
// Any other reference (typically an https URL) points at server content.
const LocalRefScheme = "file://"

// IsLocalRef reports whether ref points into the device blob store.
func IsLocalRef(ref string) bool {
	return strings.HasPrefix(ref, LocalRefScheme)
}

// ValidRotations lists the page rotations accepted by Validate.
var ValidRotations = []int{0, 90, 180, 270}

// Adjustments holds the optional brightness/contrast/saturation triple.
type Adjustments struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
}

// Page is one scanned page. It never carries image bytes, only references.
type Page struct {
	ID          string       `json:"id"`
	ImageRef    string       `json:"image_ref,omitempty"`
	OriginalRef string       `json:"original_ref,omitempty"`
	OCRText     string       `json:"ocr_text,omitempty"`
	Filter      string       `json:"filter,omitempty"`
	Rotation    int          `json:"rotation"`
	Position    int          `json:"position"`
	CreatedAt   time.Time    `json:"created_at"`
	Adjustments *Adjustments `json:"adjustments,omitempty"`
}

// HasLocalImage reports whether either image reference points into the blob store.
func (p *Page) HasLocalImage() bool {
	return IsLocalRef(p.ImageRef) || IsLocalRef(p.OriginalRef)
}

// Validate checks the page's field values.
func (p *Page) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("page id is required")
	}
	if !validRotation(p.Rotation) {
		return fmt.Errorf("page %s: rotation must be one of %v (got %d)", p.ID, ValidRotations, p.Rotation)
	}
	if p.Position < 0 {
		return fmt.Errorf("page %s: position must be non-negative (got %d)", p.ID, p.Position)
	}
	for _, ref := range []string{p.ImageRef, p.OriginalRef} {
		if strings.HasPrefix(ref, "data:") {
			return fmt.Errorf("page %s: inline image data is not allowed in metadata", p.ID)
		}
	}
	return nil
}

func validRotation(r int) bool {
	for _, v := range ValidRotations {
		if r == v {
			return true
		}
	}
	return false
}

// Document is a scanned document. Flat fields, last-write-wins per field.
type Document struct {
	// ===== Identification =====
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`

	// ===== Content =====
	Name     string   `json:"name"`
	FolderID string   `json:"folder_id,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Pages    []Page   `json:"pages"`
	Type     string   `json:"document_type,omitempty"`
	OCRText  string   `json:"ocr_text,omitempty"`

	// ===== Flags =====
	Protected bool `json:"is_protected"`

	// ===== Sync state (device only) =====
	SyncStatus SyncStatus `json:"sync_status,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Document has valid field values.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(d.Name) > 500 {
		return fmt.Errorf("name must be 500 characters or less (got %d)", len(d.Name))
	}
	if d.SyncStatus != "" && !d.SyncStatus.IsValid() {
		return fmt.Errorf("invalid sync status: %s", d.SyncStatus)
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if d.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	seen := make(map[string]bool, len(d.Pages))
	for i := range d.Pages {
		if err := d.Pages[i].Validate(); err != nil {
			return err
		}
		if seen[d.Pages[i].ID] {
			return fmt.Errorf("duplicate page id: %s", d.Pages[i].ID)
		}
		seen[d.Pages[i].ID] = true
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (d *Document) SetDefaults() {
	if d.SyncStatus == "" {
		d.SyncStatus = StatusLocal
	}
	if d.Pages == nil {
		d.Pages = []Page{}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	d.Tags = NormalizeTags(d.Tags)
}

// Touch sets UpdatedAt to the current time.
func (d *Document) Touch() {
	d.UpdatedAt = time.Now().UTC()
}

// HasLocalEdits reports whether any page still references a device blob,
// meaning the server has not yet received that image.
func (d *Document) HasLocalEdits() bool {
	for i := range d.Pages {
		if d.Pages[i].HasLocalImage() {
			return true
		}
	}
	return false
}

// Renumber sorts pages by position and rewrites positions to 0..n-1.
func (d *Document) Renumber() {
	sort.SliceStable(d.Pages, func(i, j int) bool {
		return d.Pages[i].Position < d.Pages[j].Position
	})
	for i := range d.Pages {
		d.Pages[i].Position = i
	}
}

// PageIndex returns the slice index of the page with the given id, or -1.
func (d *Document) PageIndex(pageID string) int {
	for i := range d.Pages {
		if d.Pages[i].ID == pageID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Tags != nil {
		c.Tags = append([]string(nil), d.Tags...)
	}
	if d.Pages != nil {
		c.Pages = make([]Page, len(d.Pages))
		for i, p := range d.Pages {
			if p.Adjustments != nil {
				adj := *p.Adjustments
				p.Adjustments = &adj
			}
			c.Pages[i] = p
		}
	}
	return &c
}

// Manifest returns the compact summary of the document.
func (d *Document) Manifest() ManifestEntry {
	return ManifestEntry{
		ID:        d.ID,
		Name:      d.Name,
		FolderID:  d.FolderID,
		UpdatedAt: d.UpdatedAt,
		CreatedAt: d.CreatedAt,
		PageCount: len(d.Pages),
		Tags:      append([]string(nil), d.Tags...),
		Protected: d.Protected,
	}
}

// NormalizeTags trims, deduplicates and sorts tags. Tag sets are unordered,
// so a canonical order keeps comparisons and persisted output stable.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TagsEqual compares two tag sets ignoring order and duplicates.
func TagsEqual(a, b []string) bool {
	na, nb := NormalizeTags(a), NormalizeTags(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
