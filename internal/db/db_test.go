package db

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "records.db")
}

func openTestDB(t *testing.T, limits Limits) *DB {
	t.Helper()
	db, err := Open(testDBPath(t), limits)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestOpen_Success tests successful database creation and initialization
func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path, DefaultLimits())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("path = %q, want %q", db.Path(), path)
	}

	var count int
	err = db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='kv'`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query schema: %v", err)
	}
	if count != 1 {
		t.Error("kv table does not exist")
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

// TestSetGetDelete tests the basic key lifecycle
func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t, DefaultLimits())

	if err := db.Set("doc/a", []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := db.Set("doc/a", []byte(`{"id":"a","name":"x"}`)); err != nil {
		t.Fatalf("Set() overwrite failed: %v", err)
	}

	got, err := db.Get("doc/a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got, []byte(`{"id":"a","name":"x"}`)) {
		t.Errorf("Get() = %s", got)
	}

	if err := db.Delete("doc/a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := db.Get("doc/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := db.Delete("doc/a"); err != nil {
		t.Errorf("Delete() of missing key should succeed, got %v", err)
	}
}

// TestLimits tests entry size and quota enforcement
func TestLimits(t *testing.T) {
	db := openTestDB(t, Limits{MaxEntryBytes: 10, QuotaBytes: 25})
	ctx := context.Background()

	if err := db.Set("big", bytes.Repeat([]byte("x"), 11)); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("oversized Set() error = %v, want ErrValueTooLarge", err)
	}

	for _, key := range []string{"a", "b"} {
		if err := db.Set(key, bytes.Repeat([]byte("x"), 10)); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}
	if err := db.Set("c", bytes.Repeat([]byte("x"), 10)); !errors.Is(err, ErrStorageFull) {
		t.Errorf("Set() over quota error = %v, want ErrStorageFull", err)
	}

	// Overwriting an existing key only counts the new size.
	if err := db.Set("a", bytes.Repeat([]byte("y"), 10)); err != nil {
		t.Errorf("overwrite within quota failed: %v", err)
	}

	// A batch that frees space in the same transaction fits.
	err := db.Batch(ctx, map[string][]byte{"c": bytes.Repeat([]byte("z"), 10)}, []string{"b"})
	if err != nil {
		t.Errorf("Batch() with delete failed: %v", err)
	}

	size, err := db.Size(ctx)
	if err != nil {
		t.Fatalf("Size() failed: %v", err)
	}
	if size != 20 {
		t.Errorf("Size() = %d, want 20", size)
	}
}

// TestBatchAtomic tests that a failing batch leaves the store untouched
func TestBatchAtomic(t *testing.T) {
	db := openTestDB(t, Limits{MaxEntryBytes: 10})
	ctx := context.Background()

	if err := db.Set("keep", []byte("1")); err != nil {
		t.Fatal(err)
	}

	err := db.Batch(ctx, map[string][]byte{
		"ok":  []byte("2"),
		"bad": bytes.Repeat([]byte("x"), 11),
	}, []string{"keep"})
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("Batch() error = %v, want ErrValueTooLarge", err)
	}

	if _, err := db.Get("keep"); err != nil {
		t.Errorf("failed batch removed keep: %v", err)
	}
	if _, err := db.Get("ok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed batch wrote ok: %v", err)
	}
}

// TestScanPrefix tests prefix iteration and counting
func TestScanPrefix(t *testing.T) {
	db := openTestDB(t, DefaultLimits())
	ctx := context.Background()

	for _, key := range []string{"doc/b", "doc/a", "docs/x", "folder/f", "oplog/document/a"} {
		if err := db.Set(key, []byte(key)); err != nil {
			t.Fatal(err)
		}
	}

	var keys []string
	err := db.Scan(ctx, "doc/", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if strings.Join(keys, ",") != "doc/a,doc/b" {
		t.Errorf("Scan(doc/) = %v", keys)
	}

	n, err := db.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count(\"\") = %d, want 5", n)
	}

	entries, err := db.Entries(ctx, "oplog/")
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Size != len("oplog/document/a") {
		t.Errorf("Entries(oplog/) = %+v", entries)
	}
	if entries[0].UpdatedAt.IsZero() {
		t.Error("entry updated_at not parsed")
	}

	stop := errors.New("stop")
	calls := 0
	err = db.Scan(ctx, "", func(string, []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Scan() should stop on callback error, got %v after %d calls", err, calls)
	}
}

// TestPurgeOversized tests removal of entries written under a larger limit
func TestPurgeOversized(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	loose, err := Open(path, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if err := loose.Set("doc/huge", bytes.Repeat([]byte("x"), 100)); err != nil {
		t.Fatal(err)
	}
	if err := loose.Set("doc/small", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := loose.Close(); err != nil {
		t.Fatal(err)
	}

	strict, err := Open(path, Limits{MaxEntryBytes: 50})
	if err != nil {
		t.Fatal(err)
	}
	defer strict.Close()

	purged, err := strict.PurgeOversized(ctx)
	if err != nil {
		t.Fatalf("PurgeOversized() failed: %v", err)
	}
	if len(purged) != 1 || purged[0] != "doc/huge" {
		t.Errorf("purged = %v, want [doc/huge]", purged)
	}
	if _, err := strict.Get("doc/small"); err != nil {
		t.Errorf("small entry lost: %v", err)
	}
}

// TestPurgeCorrupt tests removal of entries that fail validation
func TestPurgeCorrupt(t *testing.T) {
	db := openTestDB(t, DefaultLimits())
	ctx := context.Background()

	_ = db.Set("manifest/a", []byte(`{"id":"a"}`))
	_ = db.Set("manifest/b", []byte(`{"id":`))
	_ = db.Set("doc/c", []byte(`{"id":`))

	purged, err := db.PurgeCorrupt(ctx, "manifest/", func(v []byte) bool {
		return bytes.HasSuffix(v, []byte("}"))
	})
	if err != nil {
		t.Fatalf("PurgeCorrupt() failed: %v", err)
	}
	if len(purged) != 1 || purged[0] != "manifest/b" {
		t.Errorf("purged = %v, want [manifest/b]", purged)
	}

	keys, err := db.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(keys, ",") != "doc/c,manifest/a" {
		t.Errorf("remaining keys = %v", keys)
	}
}
