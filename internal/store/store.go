// Package store is the Local Record Store: the in-memory view of documents
// and folders that every reader sees, persisted as metadata to the bounded
// record store.
//
// All calls are synchronous and never touch the network. Writes land in
// memory immediately and are marked dirty; Flush (or Run) writes dirty
// records to the database in one transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/scanvault/docsync/internal/db"
	"github.com/scanvault/docsync/internal/schema"
)

// ErrNotFound is returned when a document or folder does not exist.
var ErrNotFound = errors.New("record not found")

const (
	docPrefix    = "doc/"
	folderPrefix = "folder/"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// ImageSource resolves blob references to bytes.
type ImageSource interface {
	Get(ref string) ([]byte, error)
}

// Config configures a Store.
type Config struct {
	// FlushInterval is how often Run writes dirty records (default: 2s)
	FlushInterval time.Duration

	// Images resolves page references for ResolvePageImage (optional)
	Images ImageSource

	// Logger for persistence events (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval: 2 * time.Second,
		Logger:        log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store holds documents and folders in memory.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*schema.Document
	folders map[string]*schema.Folder
	dirty   map[string]struct{}
	images  map[string][]byte

	kv      *db.DB
	config  *Config
	logger  *log.Logger
	flushMu sync.Mutex
}

// New creates an empty store backed by kv. Call Load to rehydrate it.
func New(kv *db.DB, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{
		docs:    make(map[string]*schema.Document),
		folders: make(map[string]*schema.Folder),
		dirty:   make(map[string]struct{}),
		images:  make(map[string][]byte),
		kv:      kv,
		config:  config,
		logger:  config.Logger,
	}
}

// LoadReport summarizes a Load.
type LoadReport struct {
	Documents int
	Folders   int
	Dropped   []string
}

// Load replaces the in-memory state with what the database holds.
// Oversized entries and entries that fail to parse or validate are dropped
// individually; they never fail the whole load.
func (s *Store) Load(ctx context.Context) (*LoadReport, error) {
	report := &LoadReport{}

	oversized, err := s.kv.PurgeOversized(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to purge oversized records: %w", err)
	}
	report.Dropped = append(report.Dropped, oversized...)

	docs := make(map[string]*schema.Document)
	folders := make(map[string]*schema.Folder)
	var corrupt []string

	err = s.kv.Scan(ctx, docPrefix, func(key string, value []byte) error {
		doc, err := decodeDocument(value)
		if err != nil {
			s.logger.Printf("Dropping corrupt record %s: %v", key, err)
			corrupt = append(corrupt, key)
			return nil
		}
		docs[doc.ID] = doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	err = s.kv.Scan(ctx, folderPrefix, func(key string, value []byte) error {
		f, err := decodeFolder(value)
		if err != nil {
			s.logger.Printf("Dropping corrupt record %s: %v", key, err)
			corrupt = append(corrupt, key)
			return nil
		}
		folders[f.ID] = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load folders: %w", err)
	}

	if err := s.kv.PurgeKeys(ctx, corrupt); err != nil {
		return nil, fmt.Errorf("failed to drop corrupt records: %w", err)
	}
	report.Dropped = append(report.Dropped, corrupt...)

	s.mu.Lock()
	s.docs = docs
	s.folders = folders
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	report.Documents = len(docs)
	report.Folders = len(folders)
	if len(report.Dropped) > 0 {
		s.logger.Printf("Loaded %d documents, %d folders (dropped %d entries)",
			report.Documents, report.Folders, len(report.Dropped))
	}
	return report, nil
}

func decodeDocument(value []byte) (*schema.Document, error) {
	var doc schema.Document
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, err
	}
	doc.SetDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func decodeFolder(value []byte) (*schema.Folder, error) {
	var f schema.Folder
	if err := json.Unmarshal(value, &f); err != nil {
		return nil, err
	}
	f.SetDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// markDirty must be called with s.mu held for writing.
func (s *Store) markDirty(key string) {
	s.dirty[key] = struct{}{}
}

// Dirty reports how many records are waiting to be flushed.
func (s *Store) Dirty() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// Flush writes every dirty record in one transaction.
//
// If the database reports it is full, Flush purges oversized and corrupt
// entries once and retries the write once. If the retry also fails the
// records stay dirty for the next flush and the error is returned.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	puts, deletes, keys := s.snapshotDirty()
	if len(keys) == 0 {
		return nil
	}

	err := s.kv.Batch(ctx, puts, deletes)
	if errors.Is(err, db.ErrStorageFull) {
		s.logger.Printf("Record store full, purging and retrying once")
		if perr := s.purgeForSpace(ctx); perr != nil {
			s.logger.Printf("Purge failed: %v", perr)
		}
		err = s.kv.Batch(ctx, puts, deletes)
	}
	if err != nil {
		s.mu.Lock()
		for _, key := range keys {
			s.markDirty(key)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to flush %d records: %w", len(keys), err)
	}
	return nil
}

// snapshotDirty marshals dirty records and clears the dirty set.
func (s *Store) snapshotDirty() (map[string][]byte, []string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	puts := make(map[string][]byte)
	var deletes, keys []string
	limit := s.kv.Limits().MaxEntryBytes

	for key := range s.dirty {
		var value any
		if id, ok := strings.CutPrefix(key, docPrefix); ok {
			if doc, exists := s.docs[id]; exists {
				value = doc
			}
		} else if id, ok := strings.CutPrefix(key, folderPrefix); ok {
			if f, exists := s.folders[id]; exists {
				value = f
			}
		}

		if value == nil {
			deletes = append(deletes, key)
			keys = append(keys, key)
			continue
		}

		data, err := json.Marshal(value)
		if err != nil {
			s.logger.Printf("Skipping %s: %v", key, err)
			continue
		}
		if limit > 0 && len(data) > limit {
			// Kept in memory only; it would be dropped on the next load anyway.
			s.logger.Printf("Skipping %s: %d bytes exceeds entry limit %d", key, len(data), limit)
			continue
		}
		puts[key] = data
		keys = append(keys, key)
	}

	s.dirty = make(map[string]struct{})
	return puts, deletes, keys
}

func (s *Store) purgeForSpace(ctx context.Context) error {
	if _, err := s.kv.PurgeOversized(ctx); err != nil {
		return err
	}
	for _, prefix := range []string{docPrefix, folderPrefix} {
		decode := decodeDocumentOK
		if prefix == folderPrefix {
			decode = decodeFolderOK
		}
		purged, err := s.kv.PurgeCorrupt(ctx, prefix, decode)
		if err != nil {
			return err
		}
		if len(purged) > 0 {
			s.logger.Printf("Purged %d corrupt entries under %s", len(purged), prefix)
		}
	}
	return nil
}

func decodeDocumentOK(value []byte) bool {
	_, err := decodeDocument(value)
	return err == nil
}

func decodeFolderOK(value []byte) bool {
	_, err := decodeFolder(value)
	return err == nil
}

// Run flushes dirty records every FlushInterval until ctx is cancelled,
// then flushes one final time.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Printf("Final flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Printf("Flush failed: %v", err)
			}
		}
	}
}

// CacheImage keeps bytes for ref in memory. ResolvePageImage falls back to
// this copy when the blob file is missing.
func (s *Store) CacheImage(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[ref] = append([]byte(nil), data...)
}

// ResolvePageImage returns the bytes behind a page reference, reading the
// blob store first and the in-memory copy second.
func (s *Store) ResolvePageImage(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty image reference", ErrNotFound)
	}
	if s.config.Images != nil {
		data, err := s.config.Images.Get(ref)
		if err == nil {
			return data, nil
		}
		s.mu.RLock()
		cached, ok := s.images[ref]
		s.mu.RUnlock()
		if ok {
			return append([]byte(nil), cached...), nil
		}
		return nil, fmt.Errorf("failed to resolve image %s: %w", ref, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if cached, ok := s.images[ref]; ok {
		return append([]byte(nil), cached...), nil
	}
	return nil, fmt.Errorf("%w: image %s", ErrNotFound, ref)
}
