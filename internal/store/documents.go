package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// UpsertDocument inserts or replaces a document. The stored copy is
// independent of doc.
func (s *Store) UpsertDocument(doc *schema.Document) error {
	if doc == nil {
		return fmt.Errorf("document cannot be nil")
	}
	c := doc.Clone()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid document %s: %w", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[c.ID] = c
	s.markDirty(docPrefix + c.ID)
	return nil
}

// MergeDocument runs resolve on a copy of the stored document (nil when
// absent) under the store lock and stores the document it returns. A nil
// result changes nothing. The stored copy is independent of the result.
func (s *Store) MergeDocument(id string, resolve func(local *schema.Document) (*schema.Document, error)) (*schema.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var local *schema.Document
	if current, ok := s.docs[id]; ok {
		local = current.Clone()
	}
	merged, err := resolve(local)
	if err != nil || merged == nil {
		return nil, err
	}
	c := merged.Clone()
	c.SetDefaults()
	if c.ID != id {
		return nil, fmt.Errorf("merged document has id %s, want %s", c.ID, id)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", id, err)
	}
	s.docs[id] = c
	s.markDirty(docPrefix + id)
	return c.Clone(), nil
}

// GetDocument returns a copy of the document with the given id.
func (s *Store) GetDocument(id string) (*schema.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return doc.Clone(), nil
}

// HasDocument reports whether a document with id exists.
func (s *Store) HasDocument(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok
}

// RemoveDocument deletes the document and returns the removed copy.
func (s *Store) RemoveDocument(id string) (*schema.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	delete(s.docs, id)
	s.markDirty(docPrefix + id)
	return doc, nil
}

// SetSyncStatus updates the document's status without touching updated_at.
func (s *Store) SetSyncStatus(id string, status schema.SyncStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid sync status: %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if doc.SyncStatus != status {
		doc.SyncStatus = status
		s.markDirty(docPrefix + id)
	}
	return nil
}

// ReplaceID moves the document stored under oldID to newID in one step.
// Any document already stored under newID is overwritten, so exactly one
// record exists under newID afterwards and none under oldID.
func (s *Store) ReplaceID(oldID, newID string) error {
	if newID == "" {
		return fmt.Errorf("new id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[oldID]
	if !ok {
		return fmt.Errorf("%w: document %s", ErrNotFound, oldID)
	}
	if oldID == newID {
		return nil
	}
	delete(s.docs, oldID)
	doc.ID = newID
	s.docs[newID] = doc
	s.markDirty(docPrefix + oldID)
	s.markDirty(docPrefix + newID)
	return nil
}

// Mutate applies fn to a copy of the document, bumps updated_at, marks it
// local and stores the result. If fn returns an error nothing changes.
func (s *Store) Mutate(id string, fn func(doc *schema.Document) error) (*schema.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	doc := current.Clone()
	if err := fn(doc); err != nil {
		return nil, err
	}
	doc.ID = id
	doc.Tags = schema.NormalizeTags(doc.Tags)
	doc.Touch()
	doc.SyncStatus = schema.StatusLocal
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", id, err)
	}

	s.docs[id] = doc
	s.markDirty(docPrefix + id)
	return doc.Clone(), nil
}

// Filter selects documents for ListDocuments. Zero values match everything.
type Filter struct {
	// FolderID restricts to one folder; a pointer to "" selects the root.
	FolderID *string

	Tag          string
	Status       schema.SyncStatus
	UpdatedSince time.Time

	// NameContains is matched case-insensitively.
	NameContains string

	Limit  int
	Offset int
}

func (f *Filter) matches(doc *schema.Document) bool {
	if f.FolderID != nil && doc.FolderID != *f.FolderID {
		return false
	}
	if f.Status != "" && doc.SyncStatus != f.Status {
		return false
	}
	if !f.UpdatedSince.IsZero() && doc.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(doc.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range doc.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListDocuments returns copies of matching documents, most recently updated
// first.
func (s *Store) ListDocuments(filter Filter) []*schema.Document {
	s.mu.RLock()
	out := make([]*schema.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if filter.matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*schema.Document{}
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// LiveIDs returns the ids of every stored document.
func (s *Store) LiveIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.docs))
	for id := range s.docs {
		ids[id] = struct{}{}
	}
	return ids
}

// ReferencedRefs returns every local blob reference held by any page.
func (s *Store) ReferencedRefs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make(map[string]struct{})
	for _, doc := range s.docs {
		for _, p := range doc.Pages {
			for _, ref := range []string{p.ImageRef, p.OriginalRef} {
				if schema.IsLocalRef(ref) {
					refs[ref] = struct{}{}
				}
			}
		}
	}
	return refs
}

// IsReferenced reports whether any stored page still points at ref.
func (s *Store) IsReferenced(ref string) bool {
	_, ok := s.ReferencedRefs()[ref]
	return ok
}

// Stats counts documents per sync status.
type Stats struct {
	Documents int
	Folders   int
	ByStatus  map[schema.SyncStatus]int
}

// Stats returns document and folder counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Documents: len(s.docs),
		Folders:   len(s.folders),
		ByStatus:  make(map[schema.SyncStatus]int),
	}
	for _, doc := range s.docs {
		st.ByStatus[doc.SyncStatus]++
	}
	return st
}
