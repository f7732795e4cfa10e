package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scanvault/docsync/internal/db"
	"github.com/scanvault/docsync/internal/schema"
)

const (
	entryPrefix    = "manifest/"
	lastSyncKey    = "sync/last_time"
	initialDoneKey = "sync/initial_done"
)

// State persists the local manifest and sync bookkeeping in the record store.
// Each entry is its own key so a corrupt record costs one document, not the
// whole manifest.
type State struct {
	kv *db.DB
}

// NewState wraps a record store.
func NewState(kv *db.DB) *State {
	return &State{kv: kv}
}

// LoadLocalManifest returns the manifest saved by the last pull. Entries that
// fail to decode or validate are skipped; the documents they describe are
// simply refetched.
func (s *State) LoadLocalManifest(ctx context.Context) (schema.Manifest, error) {
	m := make(schema.Manifest)
	err := s.kv.Scan(ctx, entryPrefix, func(key string, value []byte) error {
		var e schema.ManifestEntry
		if json.Unmarshal(value, &e) != nil || e.Validate() != nil {
			return nil
		}
		if id := strings.TrimPrefix(key, entryPrefix); id == e.ID {
			m[id] = e
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load local manifest: %w", err)
	}
	return m, nil
}

// SaveLocalManifest replaces the saved manifest with m in one transaction.
func (s *State) SaveLocalManifest(ctx context.Context, m schema.Manifest) error {
	return s.save(ctx, m, nil)
}

func (s *State) save(ctx context.Context, m schema.Manifest, extra map[string][]byte) error {
	existing, err := s.kv.Keys(ctx, entryPrefix)
	if err != nil {
		return fmt.Errorf("failed to list manifest entries: %w", err)
	}

	var deletes []string
	for _, key := range existing {
		if _, ok := m[strings.TrimPrefix(key, entryPrefix)]; !ok {
			deletes = append(deletes, key)
		}
	}

	puts := make(map[string][]byte, len(m)+len(extra))
	for id, e := range m {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode manifest entry %s: %w", id, err)
		}
		puts[entryPrefix+id] = data
	}
	for k, v := range extra {
		puts[k] = v
	}

	if err := s.kv.Batch(ctx, puts, deletes); err != nil {
		return fmt.Errorf("failed to save local manifest: %w", err)
	}
	return nil
}

// commit saves the manifest together with the cycle's bookkeeping. A zero
// serverTime leaves the recorded last sync time untouched.
func (s *State) commit(ctx context.Context, m schema.Manifest, serverTime time.Time) error {
	extra := map[string][]byte{initialDoneKey: []byte("1")}
	if !serverTime.IsZero() {
		extra[lastSyncKey] = []byte(serverTime.UTC().Format(time.RFC3339Nano))
	}
	return s.save(ctx, m, extra)
}

// LastSyncTime returns the server time recorded by the last complete pull,
// or the zero time if none has completed.
func (s *State) LastSyncTime(ctx context.Context) (time.Time, error) {
	data, err := s.kv.GetContext(ctx, lastSyncKey)
	if errors.Is(err, db.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// InitialSyncDone reports whether any pull has finished, including one that
// hit the cycle timeout.
func (s *State) InitialSyncDone(ctx context.Context) bool {
	_, err := s.kv.GetContext(ctx, initialDoneKey)
	return err == nil
}

// Forget drops the saved entries for ids so the next cycle refetches them.
func (s *State) Forget(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryPrefix + id
	}
	if err := s.kv.Batch(ctx, nil, keys); err != nil {
		return fmt.Errorf("failed to forget manifest entries: %w", err)
	}
	return nil
}
