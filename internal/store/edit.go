package store

import (
	"fmt"

	"github.com/scanvault/docsync/internal/schema"
)

// Change is the result of an edit helper: the updated document and the
// field diff to send to the server.
type Change struct {
	Document *schema.Document
	Diff     schema.FieldDiff

	// DroppedRefs lists blob references the edit stopped using.
	DroppedRefs []string
}

// RenameDocument sets the document's display name.
func (s *Store) RenameDocument(id, name string) (*Change, error) {
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty")
		}
		d.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Change{Document: doc, Diff: schema.FieldDiff{Name: &doc.Name}}, nil
}

// MoveDocument puts the document into folderID ("" for the root).
func (s *Store) MoveDocument(id, folderID string) (*Change, error) {
	if folderID != "" {
		if _, err := s.GetFolder(folderID); err != nil {
			return nil, err
		}
	}
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		d.FolderID = folderID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Change{Document: doc, Diff: schema.FieldDiff{FolderID: &doc.FolderID}}, nil
}

// SetTags replaces the document's tag set.
func (s *Store) SetTags(id string, tags []string) (*Change, error) {
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		d.Tags = tags
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), doc.Tags...)
	return &Change{Document: doc, Diff: schema.FieldDiff{Tags: &out}}, nil
}

// AddPage appends a page. Its position is set to the end of the document.
func (s *Store) AddPage(id string, page schema.Page) (*Change, error) {
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		if d.PageIndex(page.ID) >= 0 {
			return fmt.Errorf("page %s already exists", page.ID)
		}
		page.Position = len(d.Pages)
		d.Pages = append(d.Pages, page)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagesChange(doc, nil), nil
}

// RemovePage deletes a page and renumbers the rest.
func (s *Store) RemovePage(id, pageID string) (*Change, error) {
	var removed schema.Page
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		i := d.PageIndex(pageID)
		if i < 0 {
			return fmt.Errorf("%w: page %s", ErrNotFound, pageID)
		}
		removed = d.Pages[i]
		d.Pages = append(d.Pages[:i], d.Pages[i+1:]...)
		d.Renumber()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagesChange(doc, localRefs(removed)), nil
}

// RotatePage turns a page by degrees (a multiple of 90, may be negative).
func (s *Store) RotatePage(id, pageID string, degrees int) (*Change, error) {
	if degrees%90 != 0 {
		return nil, fmt.Errorf("rotation must be a multiple of 90 (got %d)", degrees)
	}
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		i := d.PageIndex(pageID)
		if i < 0 {
			return fmt.Errorf("%w: page %s", ErrNotFound, pageID)
		}
		d.Pages[i].Rotation = ((d.Pages[i].Rotation+degrees)%360 + 360) % 360
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagesChange(doc, nil), nil
}

// ApplyFilter records a filter result for a page. imageRef is the blob
// holding the filtered image; the previous working image is kept as the
// original if the page had none.
func (s *Store) ApplyFilter(id, pageID, filter, imageRef string) (*Change, error) {
	var dropped []string
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		i := d.PageIndex(pageID)
		if i < 0 {
			return fmt.Errorf("%w: page %s", ErrNotFound, pageID)
		}
		p := &d.Pages[i]
		if p.OriginalRef == "" {
			p.OriginalRef = p.ImageRef
		} else if p.ImageRef != p.OriginalRef && schema.IsLocalRef(p.ImageRef) {
			dropped = append(dropped, p.ImageRef)
		}
		p.ImageRef = imageRef
		p.Filter = filter
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagesChange(doc, dropped), nil
}

// ReorderPages sets the page order. pageIDs must name every page once.
func (s *Store) ReorderPages(id string, pageIDs []string) (*Change, error) {
	doc, err := s.Mutate(id, func(d *schema.Document) error {
		if len(pageIDs) != len(d.Pages) {
			return fmt.Errorf("reorder needs %d page ids (got %d)", len(d.Pages), len(pageIDs))
		}
		seen := make(map[string]bool, len(pageIDs))
		for pos, pid := range pageIDs {
			i := d.PageIndex(pid)
			if i < 0 || seen[pid] {
				return fmt.Errorf("invalid page order: %s", pid)
			}
			seen[pid] = true
			d.Pages[i].Position = pos
		}
		d.Renumber()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagesChange(doc, nil), nil
}

func pagesChange(doc *schema.Document, dropped []string) *Change {
	pages := append([]schema.Page(nil), doc.Pages...)
	return &Change{Document: doc, Diff: schema.FieldDiff{Pages: &pages}, DroppedRefs: dropped}
}

func localRefs(p schema.Page) []string {
	var refs []string
	for _, ref := range []string{p.ImageRef, p.OriginalRef} {
		if schema.IsLocalRef(ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}
