// Package blob stores page images as files outside the bounded record store.
//
// Each Put writes a new file named {owner}__p{index}__{nanos}-{seq}{ext} and
// returns a "file://" reference. Names are unique per call, so concurrent
// writers never collide and no locking is needed. Orphaned files are only
// removed by an explicit Sweep.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// ErrNotFound is returned by Get when the referenced file is missing.
var ErrNotFound = errors.New("blob not found")

const (
	nameSep   = "__"
	tmpSuffix = ".tmp"
	// tmpGrace keeps Sweep away from writes that are still in progress.
	tmpGrace = time.Minute
)

// Store is a directory of image files.
type Store struct {
	dir    string
	ext    string
	seq    atomic.Uint64
	logger *log.Logger
}

// Config configures a Store.
type Config struct {
	// Ext is the file extension for new blobs (default ".jpg")
	Ext string

	// Logger for sweep activity (default: stderr logger)
	Logger *log.Logger
}

// New creates the directory if needed and returns a Store rooted there.
func New(dir string, config *Config) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory cannot be empty")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Ext == "" {
		config.Ext = ".jpg"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[blob] ", log.LstdFlags)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	return &Store{dir: abs, ext: config.Ext, logger: config.Logger}, nil
}

// Dir returns the absolute blob directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put writes data for the given owner and page index and returns its reference.
// The file is written to a temporary name and renamed into place.
func (s *Store) Put(ownerID string, pageIndex int, data []byte) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner id cannot be empty")
	}
	if pageIndex < 0 {
		return "", fmt.Errorf("page index must be non-negative (got %d)", pageIndex)
	}

	name := fmt.Sprintf("%s%sp%d%s%d-%d%s",
		sanitize(ownerID), nameSep, pageIndex, nameSep,
		time.Now().UnixNano(), s.seq.Add(1), s.ext)
	path := filepath.Join(s.dir, name)

	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize blob %s: %w", name, err)
	}

	return schema.LocalRefScheme + filepath.ToSlash(path), nil
}

// Get returns the bytes behind ref. A missing file, or a reference that does
// not point into this store, yields ErrNotFound.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.pathFor(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}

// Exists reports whether ref resolves to a file in the store.
func (s *Store) Exists(ref string) bool {
	path, err := s.pathFor(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes the file behind ref. Deleting a missing blob is not an error.
func (s *Store) Delete(ref string) error {
	path, err := s.pathFor(ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", ref, err)
	}
	return nil
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Scanned int
	Deleted int
	Kept    int
	Errors  []string
}

// Sweep deletes files whose owner prefix matches no live id and whose
// reference is not in referenced. Both sets come from the record store at
// the time of the call. Files still being written are left alone.
func (s *Store) Sweep(liveIDs, referenced map[string]struct{}) (*SweepResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob directory: %w", err)
	}

	live := make(map[string]struct{}, len(liveIDs))
	for id := range liveIDs {
		live[sanitize(id)] = struct{}{}
	}

	result := &SweepResult{}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(s.dir, name)
		result.Scanned++

		if strings.HasSuffix(name, tmpSuffix) {
			info, err := entry.Info()
			if err != nil || now.Sub(info.ModTime()) < tmpGrace {
				result.Kept++
				continue
			}
		} else {
			owner, _, ok := strings.Cut(name, nameSep)
			if !ok {
				result.Kept++
				continue
			}
			if _, isLive := live[owner]; isLive {
				result.Kept++
				continue
			}
			if _, isRef := referenced[schema.LocalRefScheme+filepath.ToSlash(path)]; isRef {
				result.Kept++
				continue
			}
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		result.Deleted++
	}

	s.logger.Printf("Sweep complete: scanned=%d deleted=%d kept=%d errors=%d",
		result.Scanned, result.Deleted, result.Kept, len(result.Errors))
	return result, nil
}

// pathFor maps a reference to a path inside the store directory.
func (s *Store) pathFor(ref string) (string, error) {
	if !schema.IsLocalRef(ref) {
		return "", fmt.Errorf("%w: not a local reference: %s", ErrNotFound, ref)
	}
	path := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(ref, schema.LocalRefScheme)))
	if filepath.Dir(path) != s.dir {
		return "", fmt.Errorf("%w: reference outside blob directory: %s", ErrNotFound, ref)
	}
	return path, nil
}

// sanitize makes an id safe for use as a filename prefix.
func sanitize(id string) string {
	for strings.Contains(id, nameSep) {
		id = strings.ReplaceAll(id, nameSep, "_")
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, id)
}
