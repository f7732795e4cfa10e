package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scanvault/docsync/internal/blob"
	"github.com/scanvault/docsync/internal/dashboard"
	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/store"
)

// NewDocument describes a document to create. Images are page bytes in order.
type NewDocument struct {
	Name     string
	FolderID string
	Tags     []string
	Type     string
	Images   [][]byte
}

// CreateDocument stores a new document under a provisional id and queues
// its creation. Page images go to the blob store first; the document only
// ever holds references to them.
func (e *Engine) CreateDocument(ctx context.Context, in NewDocument) (*schema.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if in.FolderID != "" {
		if _, err := e.store.GetFolder(in.FolderID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	doc := &schema.Document{
		ID:         schema.NewProvisionalID(),
		Name:       in.Name,
		FolderID:   in.FolderID,
		Tags:       schema.NormalizeTags(in.Tags),
		Type:       in.Type,
		Pages:      []schema.Page{},
		SyncStatus: schema.StatusLocal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var written []string
	for i, data := range in.Images {
		ref, err := e.blobs.Put(doc.ID, i, data)
		if err != nil {
			e.deleteBlobs(written)
			return nil, err
		}
		written = append(written, ref)
		doc.Pages = append(doc.Pages, schema.Page{ID: newPageID(), ImageRef: ref, Position: i, CreatedAt: now})
	}

	if err := e.store.UpsertDocument(doc); err != nil {
		e.deleteBlobs(written)
		return nil, err
	}
	op := schema.NewOperation(schema.EntityDocument, doc.ID, schema.CreatePayload{Document: doc.Clone()})
	if _, err := e.ops.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to queue create for %s: %w", doc.ID, err)
	}

	e.publisher.DocStatus(docEvent(doc, "created"))
	e.kick()
	return doc, nil
}

// UpdateDocument applies a field diff to a document and queues it.
func (e *Engine) UpdateDocument(ctx context.Context, id string, diff schema.FieldDiff) (*schema.Document, error) {
	if diff.IsEmpty() {
		return nil, fmt.Errorf("nothing to update")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if diff.FolderID != nil && *diff.FolderID != "" {
		if _, err := e.store.GetFolder(*diff.FolderID); err != nil {
			return nil, err
		}
	}

	var before []string
	doc, err := e.store.Mutate(id, func(d *schema.Document) error {
		if diff.Pages != nil {
			before = pageRefs(d.Pages)
		}
		diff.ApplyDocument(d)
		if diff.Pages != nil {
			d.Renumber()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if diff.Pages != nil {
		pages := append([]schema.Page(nil), doc.Pages...)
		diff.Pages = &pages
	}
	change := &store.Change{Document: doc, Diff: diff, DroppedRefs: without(before, pageRefs(doc.Pages))}
	return e.commitChange(ctx, change)
}

// DeleteDocument removes a document locally and queues its deletion. A
// document the server never saw is simply dropped.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.store.RemoveDocument(id)
	if err != nil {
		return err
	}
	if err := e.enqueueDelete(ctx, schema.EntityDocument, id); err != nil {
		return err
	}
	e.releaseBlobs(pageRefs(doc.Pages))
	e.publisher.DocStatus(docEvent(doc, "deleted"))
	e.kick()
	return nil
}

// RenameDocument sets a document's name.
func (e *Engine) RenameDocument(ctx context.Context, id, name string) (*schema.Document, error) {
	return e.edit(ctx, func() (*store.Change, error) { return e.store.RenameDocument(id, name) })
}

// MoveDocument moves a document into folderID ("" for the root).
func (e *Engine) MoveDocument(ctx context.Context, id, folderID string) (*schema.Document, error) {
	return e.edit(ctx, func() (*store.Change, error) { return e.store.MoveDocument(id, folderID) })
}

// SetTags replaces a document's tags.
func (e *Engine) SetTags(ctx context.Context, id string, tags []string) (*schema.Document, error) {
	return e.edit(ctx, func() (*store.Change, error) { return e.store.SetTags(id, tags) })
}

// AddPage stores image in the blob store and appends it as a new page.
func (e *Engine) AddPage(ctx context.Context, id string, image []byte) (*schema.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.store.GetDocument(id)
	if err != nil {
		return nil, err
	}
	ref, err := e.blobs.Put(id, len(current.Pages), image)
	if err != nil {
		return nil, err
	}
	change, err := e.store.AddPage(id, schema.Page{ID: newPageID(), ImageRef: ref, CreatedAt: time.Now().UTC()})
	if err != nil {
		e.deleteBlobs([]string{ref})
		return nil, err
	}
	return e.commitChange(ctx, change)
}

// RemovePage deletes a page.
func (e *Engine) RemovePage(ctx context.Context, id, pageID string) (*schema.Document, error) {
	return e.edit(ctx, func() (*store.Change, error) { return e.store.RemovePage(id, pageID) })
}

// RotatePage turns a page by degrees.
func (e *Engine) RotatePage(ctx context.Context, id, pageID string, degrees int) (*schema.Document, error) {
	return e.edit(ctx, func() (*store.Change, error) { return e.store.RotatePage(id, pageID, degrees) })
}

// ApplyFilter stores a filtered rendition of a page as its working image.
func (e *Engine) ApplyFilter(ctx context.Context, id, pageID, filter string, image []byte) (*schema.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.store.GetDocument(id)
	if err != nil {
		return nil, err
	}
	i := current.PageIndex(pageID)
	if i < 0 {
		return nil, fmt.Errorf("%w: page %s", store.ErrNotFound, pageID)
	}
	ref, err := e.blobs.Put(id, i, image)
	if err != nil {
		return nil, err
	}
	change, err := e.store.ApplyFilter(id, pageID, filter, ref)
	if err != nil {
		e.deleteBlobs([]string{ref})
		return nil, err
	}
	return e.commitChange(ctx, change)
}

// ReorderPages sets the page order.
func (e *Engine) ReorderPages(ctx context.Context, id string, pageIDs []string) (*schema.Document, error) {
	return e.edit(ctx, func() (*store.Change, error) { return e.store.ReorderPages(id, pageIDs) })
}

func (e *Engine) edit(ctx context.Context, apply func() (*store.Change, error)) (*schema.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	change, err := apply()
	if err != nil {
		return nil, err
	}
	return e.commitChange(ctx, change)
}

// commitChange queues a stored edit. Callers hold e.mu.
func (e *Engine) commitChange(ctx context.Context, change *store.Change) (*schema.Document, error) {
	if err := e.enqueueDocumentUpdate(ctx, change.Document, change.Diff); err != nil {
		return nil, err
	}
	e.releaseBlobs(change.DroppedRefs)
	e.publisher.DocStatus(docEvent(change.Document, "updated"))
	e.kick()
	return change.Document, nil
}

// enqueueDocumentUpdate queues diff for doc. A provisional document with
// nothing queued (its create failed for good) is queued as a create again.
func (e *Engine) enqueueDocumentUpdate(ctx context.Context, doc *schema.Document, diff schema.FieldDiff) error {
	var payload schema.Payload = schema.UpdatePayload{Diff: diff}
	if schema.IsProvisional(doc.ID) && !e.ops.HasPending(schema.EntityDocument, doc.ID) {
		payload = schema.CreatePayload{Document: doc.Clone()}
	}
	if _, err := e.ops.Enqueue(ctx, schema.NewOperation(schema.EntityDocument, doc.ID, payload)); err != nil {
		return fmt.Errorf("failed to queue update for %s: %w", doc.ID, err)
	}
	return nil
}

func (e *Engine) enqueueFolderUpdate(ctx context.Context, f *schema.Folder, diff schema.FieldDiff) error {
	var payload schema.Payload = schema.UpdatePayload{Diff: diff}
	if schema.IsProvisional(f.ID) && !e.ops.HasPending(schema.EntityFolder, f.ID) {
		payload = schema.CreatePayload{Folder: f.Clone()}
	}
	if _, err := e.ops.Enqueue(ctx, schema.NewOperation(schema.EntityFolder, f.ID, payload)); err != nil {
		return fmt.Errorf("failed to queue update for folder %s: %w", f.ID, err)
	}
	return nil
}

// enqueueDelete queues a delete unless the record never reached the server.
func (e *Engine) enqueueDelete(ctx context.Context, entity schema.EntityKind, id string) error {
	if schema.IsProvisional(id) && !e.ops.HasPending(entity, id) {
		return nil
	}
	if _, err := e.ops.Enqueue(ctx, schema.NewOperation(entity, id, schema.DeletePayload{})); err != nil {
		return fmt.Errorf("failed to queue delete for %s: %w", id, err)
	}
	return nil
}

// CreateFolder creates a folder under parentID ("" for the root).
func (e *Engine) CreateFolder(ctx context.Context, name, parentID, color string) (*schema.Folder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	f := &schema.Folder{
		ID:         schema.NewProvisionalID(),
		Name:       name,
		Color:      color,
		ParentID:   parentID,
		SyncStatus: schema.StatusLocal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.UpsertFolder(f); err != nil {
		return nil, err
	}
	op := schema.NewOperation(schema.EntityFolder, f.ID, schema.CreatePayload{Folder: f.Clone()})
	if _, err := e.ops.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to queue create for folder %s: %w", f.ID, err)
	}
	e.kick()
	return f, nil
}

// RenameFolder sets a folder's name.
func (e *Engine) RenameFolder(ctx context.Context, id, name string) (*schema.Folder, error) {
	return e.editFolder(ctx, id, func(f *schema.Folder) (schema.FieldDiff, error) {
		if name == "" {
			return schema.FieldDiff{}, fmt.Errorf("name cannot be empty")
		}
		f.Name = name
		return schema.FieldDiff{Name: &name}, nil
	})
}

// MoveFolder moves a folder under parentID ("" for the root).
func (e *Engine) MoveFolder(ctx context.Context, id, parentID string) (*schema.Folder, error) {
	return e.editFolder(ctx, id, func(f *schema.Folder) (schema.FieldDiff, error) {
		if parentID == id {
			return schema.FieldDiff{}, fmt.Errorf("folder %s cannot be its own parent", id)
		}
		f.ParentID = parentID
		return schema.FieldDiff{ParentID: &parentID}, nil
	})
}

func (e *Engine) editFolder(ctx context.Context, id string, fn func(f *schema.Folder) (schema.FieldDiff, error)) (*schema.Folder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var diff schema.FieldDiff
	f, err := e.store.MutateFolder(id, func(f *schema.Folder) error {
		var err error
		diff, err = fn(f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := e.enqueueFolderUpdate(ctx, f, diff); err != nil {
		return nil, err
	}
	e.kick()
	return f, nil
}

// DeleteFolder removes a folder. Its documents and child folders move to
// the root and each move is queued as an update.
func (e *Engine) DeleteFolder(ctx context.Context, id string) (*store.FolderRemoval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removal, err := e.store.RemoveFolder(id)
	if err != nil {
		return nil, err
	}
	root := ""
	for _, doc := range removal.MovedDocuments {
		if err := e.enqueueDocumentUpdate(ctx, doc, schema.FieldDiff{FolderID: &root}); err != nil {
			return removal, err
		}
		e.publisher.DocStatus(docEvent(doc, "updated"))
	}
	for _, child := range removal.ReparentedFolders {
		if err := e.enqueueFolderUpdate(ctx, child, schema.FieldDiff{ParentID: &root}); err != nil {
			return removal, err
		}
	}
	if err := e.enqueueDelete(ctx, schema.EntityFolder, id); err != nil {
		return removal, err
	}
	e.kick()
	return removal, nil
}

// Retry queues a failed document (or folder) again with a fresh retry budget.
func (e *Engine) Retry(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if doc, err := e.store.GetDocument(id); err == nil {
		if doc.SyncStatus != schema.StatusFailed {
			return fmt.Errorf("document %s is %s, not failed", id, doc.SyncStatus)
		}
		if err := e.enqueueDocumentUpdate(ctx, doc, schema.DocumentDiff(doc)); err != nil {
			return err
		}
		if err := e.store.SetSyncStatus(id, schema.StatusLocal); err != nil {
			return err
		}
		e.publisher.DocStatus(dashboard.DocStatusData{DocumentID: doc.ID, Action: "retry", Status: string(schema.StatusLocal)})
		e.kick()
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	f, err := e.store.GetFolder(id)
	if err != nil {
		return err
	}
	if f.SyncStatus != schema.StatusFailed {
		return fmt.Errorf("folder %s is %s, not failed", id, f.SyncStatus)
	}
	if err := e.enqueueFolderUpdate(ctx, f, schema.FolderDiff(f)); err != nil {
		return err
	}
	if err := e.store.SetFolderSyncStatus(id, schema.StatusLocal); err != nil {
		return err
	}
	e.kick()
	return nil
}

// Failed returns every document in terminal failed status.
func (e *Engine) Failed() []*schema.Document {
	return e.store.ListDocuments(store.Filter{Status: schema.StatusFailed})
}

// DiscardFailed gives up on failed documents. One the server never saw is
// deleted; any other goes back to synced and is refetched on the next
// cycle, replacing the rejected local copy.
func (e *Engine) DiscardFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var refetch []string
	n := 0
	for _, doc := range e.store.ListDocuments(store.Filter{Status: schema.StatusFailed}) {
		if schema.IsProvisional(doc.ID) {
			if _, err := e.store.RemoveDocument(doc.ID); err != nil {
				return n, err
			}
			e.releaseBlobs(pageRefs(doc.Pages))
			e.publisher.DocStatus(docEvent(doc, "deleted"))
		} else {
			if err := e.store.SetSyncStatus(doc.ID, schema.StatusSynced); err != nil {
				return n, err
			}
			refetch = append(refetch, doc.ID)
		}
		n++
	}
	if err := e.state.Forget(ctx, refetch...); err != nil {
		return n, err
	}
	return n, nil
}

// Sweep removes blob files that no stored document owns or references.
func (e *Engine) Sweep() (*blob.SweepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := e.store.LiveIDs()
	for _, op := range e.ops.List() {
		// A create still queued may own blobs under an id the store no
		// longer has, while the server id swap is in progress.
		live[op.TargetID] = struct{}{}
	}
	return e.blobs.Sweep(live, e.store.ReferencedRefs())
}

// releaseBlobs deletes refs no stored page uses any more.
func (e *Engine) releaseBlobs(refs []string) {
	if len(refs) == 0 {
		return
	}
	referenced := e.store.ReferencedRefs()
	for _, ref := range refs {
		if _, ok := referenced[ref]; ok {
			continue
		}
		if err := e.blobs.Delete(ref); err != nil {
			e.logger.Printf("Warning: failed to delete blob %s: %v", ref, err)
		}
	}
}

func (e *Engine) deleteBlobs(refs []string) {
	for _, ref := range refs {
		_ = e.blobs.Delete(ref)
	}
}

func pageRefs(pages []schema.Page) []string {
	var refs []string
	for _, p := range pages {
		for _, ref := range []string{p.ImageRef, p.OriginalRef} {
			if schema.IsLocalRef(ref) {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// without returns the refs in a that are not in b.
func without(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, ref := range b {
		keep[ref] = struct{}{}
	}
	var out []string
	for _, ref := range a {
		if _, ok := keep[ref]; !ok {
			out = append(out, ref)
		}
	}
	return out
}

func docEvent(doc *schema.Document, action string) dashboard.DocStatusData {
	return dashboard.DocStatusData{
		DocumentID: doc.ID,
		Action:     action,
		Status:     string(doc.SyncStatus),
		Name:       doc.Name,
	}
}

func newPageID() string {
	return "page-" + uuid.NewString()
}
