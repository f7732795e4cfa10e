package store

import (
	"fmt"
	"sort"

	"github.com/scanvault/docsync/internal/schema"
)

// UpsertFolder inserts or replaces a folder.
func (s *Store) UpsertFolder(f *schema.Folder) error {
	if f == nil {
		return fmt.Errorf("folder cannot be nil")
	}
	c := f.Clone()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid folder %s: %w", f.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ParentID != "" {
		if _, ok := s.folders[c.ParentID]; !ok {
			return fmt.Errorf("%w: parent folder %s", ErrNotFound, c.ParentID)
		}
	}
	s.folders[c.ID] = c
	s.markDirty(folderPrefix + c.ID)
	return nil
}

// GetFolder returns a copy of the folder with the given id.
func (s *Store) GetFolder(id string) (*schema.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	return f.Clone(), nil
}

// ListFolders returns every folder sorted by name.
func (s *Store) ListFolders() []*schema.Folder {
	s.mu.RLock()
	out := make([]*schema.Folder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, f.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MutateFolder applies fn to a copy of the folder and stores the result
// marked local.
func (s *Store) MutateFolder(id string, fn func(f *schema.Folder) error) (*schema.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	f := current.Clone()
	if err := fn(f); err != nil {
		return nil, err
	}
	f.ID = id
	if f.ParentID != "" {
		if _, ok := s.folders[f.ParentID]; !ok {
			return nil, fmt.Errorf("%w: parent folder %s", ErrNotFound, f.ParentID)
		}
		if s.isAncestorLocked(id, f.ParentID) {
			return nil, fmt.Errorf("folder %s cannot move under its own descendant %s", id, f.ParentID)
		}
	}
	f.UpdatedAt = timeNow()
	f.SyncStatus = schema.StatusLocal
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid folder %s: %w", id, err)
	}
	s.folders[id] = f
	s.markDirty(folderPrefix + id)
	return f.Clone(), nil
}

// isAncestorLocked reports whether ancestor appears on the parent chain of
// id's prospective parent. Callers hold s.mu.
func (s *Store) isAncestorLocked(ancestor, parentID string) bool {
	seen := make(map[string]bool)
	for cur := parentID; cur != "" && !seen[cur]; {
		if cur == ancestor {
			return true
		}
		seen[cur] = true
		f, ok := s.folders[cur]
		if !ok {
			return false
		}
		cur = f.ParentID
	}
	return false
}

// FolderRemoval reports what RemoveFolder changed besides the folder itself.
type FolderRemoval struct {
	Folder *schema.Folder

	// MovedDocuments were in the folder and now sit at the root.
	MovedDocuments []*schema.Document

	// ReparentedFolders were children of the folder and now sit at the root.
	ReparentedFolders []*schema.Folder
}

// RemoveFolder deletes a folder. Its documents and child folders move to the
// root and are marked local.
func (s *Store) RemoveFolder(id string) (*FolderRemoval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	delete(s.folders, id)
	s.markDirty(folderPrefix + id)

	removal := &FolderRemoval{Folder: f}
	now := timeNow()
	for docID, doc := range s.docs {
		if doc.FolderID != id {
			continue
		}
		doc.FolderID = ""
		doc.UpdatedAt = now
		doc.SyncStatus = schema.StatusLocal
		s.markDirty(docPrefix + docID)
		removal.MovedDocuments = append(removal.MovedDocuments, doc.Clone())
	}
	for childID, child := range s.folders {
		if child.ParentID != id {
			continue
		}
		child.ParentID = ""
		child.UpdatedAt = now
		child.SyncStatus = schema.StatusLocal
		s.markDirty(folderPrefix + childID)
		removal.ReparentedFolders = append(removal.ReparentedFolders, child.Clone())
	}

	sort.Slice(removal.MovedDocuments, func(i, j int) bool {
		return removal.MovedDocuments[i].ID < removal.MovedDocuments[j].ID
	})
	sort.Slice(removal.ReparentedFolders, func(i, j int) bool {
		return removal.ReparentedFolders[i].ID < removal.ReparentedFolders[j].ID
	})
	return removal, nil
}

// SetFolderSyncStatus updates the folder's status without touching updated_at.
func (s *Store) SetFolderSyncStatus(id string, status schema.SyncStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid sync status: %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	if f.SyncStatus != status {
		f.SyncStatus = status
		s.markDirty(folderPrefix + id)
	}
	return nil
}

// ReplaceFolderID swaps a provisional folder id for the server id and
// rewrites every document and child folder that referenced it.
func (s *Store) ReplaceFolderID(oldID, newID string) error {
	if newID == "" {
		return fmt.Errorf("new id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[oldID]
	if !ok {
		return fmt.Errorf("%w: folder %s", ErrNotFound, oldID)
	}
	if oldID == newID {
		return nil
	}
	delete(s.folders, oldID)
	f.ID = newID
	s.folders[newID] = f
	s.markDirty(folderPrefix + oldID)
	s.markDirty(folderPrefix + newID)

	for docID, doc := range s.docs {
		if doc.FolderID == oldID {
			doc.FolderID = newID
			s.markDirty(docPrefix + docID)
		}
	}
	for childID, child := range s.folders {
		if child.ParentID == oldID {
			child.ParentID = newID
			s.markDirty(folderPrefix + childID)
		}
	}
	return nil
}
