package store

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// TestMergeDocument tests the read-resolve-store step used by a pull.
func TestMergeDocument(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	// Absent: resolve sees nil and the result is stored.
	got, err := s.MergeDocument("A", func(local *schema.Document) (*schema.Document, error) {
		if local != nil {
			t.Errorf("local = %+v, want nil", local)
		}
		return testDoc("A", now), nil
	})
	if err != nil {
		t.Fatalf("MergeDocument failed: %v", err)
	}
	if got.ID != "A" || !s.HasDocument("A") {
		t.Fatalf("merged document not stored: %+v", got)
	}

	// A nil result leaves the stored copy alone.
	if _, err := s.MergeDocument("A", func(local *schema.Document) (*schema.Document, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("MergeDocument with nil result failed: %v", err)
	}
	if doc, _ := s.GetDocument("A"); doc.Name != "Doc A" {
		t.Errorf("name = %q after a nil merge", doc.Name)
	}

	// Errors and mismatched ids change nothing.
	boom := errors.New("boom")
	if _, err := s.MergeDocument("A", func(*schema.Document) (*schema.Document, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if _, err := s.MergeDocument("A", func(*schema.Document) (*schema.Document, error) {
		return testDoc("B", now), nil
	}); err == nil {
		t.Error("MergeDocument stored a document under another id")
	}
	if s.HasDocument("B") {
		t.Error("mismatched merge result was stored")
	}
}

// TestMergeDocumentSerializesEdits tests that an edit issued while a merge
// is resolving waits for it and is applied on top of the merged copy.
func TestMergeDocumentSerializesEdits(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()
	if err := s.UpsertDocument(testDoc("A", now)); err != nil {
		t.Fatalf("UpsertDocument failed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	mergeDone := make(chan error, 1)
	go func() {
		_, err := s.MergeDocument("A", func(local *schema.Document) (*schema.Document, error) {
			close(entered)
			<-release
			merged := local.Clone()
			merged.Name = "server name"
			merged.SyncStatus = schema.StatusSynced
			return merged, nil
		})
		mergeDone <- err
	}()
	<-entered

	var edited atomic.Bool
	editDone := make(chan error, 1)
	go func() {
		_, err := s.Mutate("A", func(doc *schema.Document) error {
			doc.Pages = append(doc.Pages, schema.Page{ID: "A-p1", ImageRef: "file:///blobs/A__p1__1-1.jpg", Position: 1, CreatedAt: now})
			return nil
		})
		edited.Store(true)
		editDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if edited.Load() {
		t.Fatal("edit completed while a merge was resolving")
	}
	close(release)
	if err := <-mergeDone; err != nil {
		t.Fatalf("MergeDocument failed: %v", err)
	}
	if err := <-editDone; err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	doc, err := s.GetDocument("A")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if len(doc.Pages) != 2 {
		t.Errorf("pages = %d, want 2: the edit was lost", len(doc.Pages))
	}
	if doc.Name != "server name" || doc.SyncStatus != schema.StatusLocal {
		t.Errorf("name = %q status = %s, want server name and local", doc.Name, doc.SyncStatus)
	}
}
