package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/scheduler"
)

// HasFolder implements migrate.Sink.
func (e *Engine) HasFolder(id string) bool {
	_, err := e.store.GetFolder(id)
	return err == nil
}

// HasDocument implements migrate.Sink.
func (e *Engine) HasDocument(id string) bool {
	return e.store.HasDocument(id)
}

// ImportFolder implements migrate.Sink. The folder is stored and queued for
// creation like a new one.
func (e *Engine) ImportFolder(ctx context.Context, f *schema.Folder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.UpsertFolder(f); err != nil {
		return err
	}
	stored, err := e.store.GetFolder(f.ID)
	if err != nil {
		return err
	}
	op := schema.NewOperation(schema.EntityFolder, f.ID, schema.CreatePayload{Folder: stored})
	if _, err := e.ops.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue create for folder %s: %w", f.ID, err)
	}
	return nil
}

// ImportDocument implements migrate.Sink.
func (e *Engine) ImportDocument(ctx context.Context, d *schema.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.UpsertDocument(d); err != nil {
		return err
	}
	stored, err := e.store.GetDocument(d.ID)
	if err != nil {
		return err
	}
	op := schema.NewOperation(schema.EntityDocument, d.ID, schema.CreatePayload{Document: stored})
	if _, err := e.ops.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue create for %s: %w", d.ID, err)
	}
	e.publisher.DocStatus(docEvent(stored, "created"))
	return nil
}

// ErrNotStable is returned by IngestFile while a file is still being written.
var ErrNotStable = errors.New("file is still changing")

// IngestFile turns one inbox image into a new single-page document named
// after the file, then removes the file. The file must keep the same size
// across settle.
func (e *Engine) IngestFile(ctx context.Context, path string, settle time.Duration) (*schema.Document, error) {
	if err := waitStable(ctx, path, settle); err != nil {
		return nil, err
	}
	// #nosec G304 - path is inside the inbox directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		name = base
	}
	doc, err := e.CreateDocument(ctx, NewDocument{Name: name, Type: "scan", Images: [][]byte{data}})
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Printf("Warning: ingested %s but failed to remove it: %v", path, err)
	}
	e.logger.Printf("Ingested %s as %s", base, doc.ID)
	return doc, nil
}

// IngestInbox ingests every image already sitting in the inbox directory,
// oldest name first. Files that fail stay where they are.
func (e *Engine) IngestInbox(ctx context.Context, settle time.Duration) ([]*schema.Document, error) {
	dir := e.settings.InboxDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && scheduler.IsInboxFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var docs []*schema.Document
	for _, name := range names {
		if ctx.Err() != nil {
			return docs, ctx.Err()
		}
		doc, err := e.IngestFile(ctx, filepath.Join(dir, name), settle)
		if err != nil {
			e.logger.Printf("Warning: skipped inbox file %s: %v", name, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func waitStable(ctx context.Context, path string, settle time.Duration) error {
	before, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
	}
	after, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return fmt.Errorf("%w: %s", ErrNotStable, path)
	}
	return nil
}
