// Package oplog provides the Pending Operation Log: the durable queue of
// mutations the server has not acknowledged yet.
//
// The log holds at most one operation per target. Enqueue folds a new
// mutation into the queued one (see schema.Coalesce). Every change is written
// to the record store before the in-memory queue reflects it, so a restart
// never loses pending work.
//
// Drains run on goroutines owned by the log. Wait blocks until every drain
// started through the log has finished.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/scanvault/docsync/internal/db"
	"github.com/scanvault/docsync/internal/schema"
)

const keyPrefix = "oplog/"

// ErrClosed is returned by DrainAsync after Close.
var ErrClosed = errors.New("operation log closed")

// Config configures a Log.
type Config struct {
	// MaxRetries is how many rejections an operation survives (default: 3)
	MaxRetries int

	// Logger for queue activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
		Logger:     log.New(os.Stderr, "[oplog] ", log.LstdFlags),
	}
}

// Log is the pending operation queue.
type Log struct {
	mu       sync.Mutex
	entries  map[string]*schema.PendingOperation
	inflight map[string]string // key -> id of the operation being sent
	seq      int64
	closed   bool

	kv      *db.DB
	config  *Config
	logger  *log.Logger
	drainMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates an empty log backed by kv. Call Load to rehydrate it.
func New(kv *db.DB, config *Config) *Log {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[oplog] ", log.LstdFlags)
	}
	return &Log{
		entries:  make(map[string]*schema.PendingOperation),
		inflight: make(map[string]string),
		kv:       kv,
		config:   config,
		logger:   config.Logger,
	}
}

// MaxRetries returns the configured retry cap.
func (l *Log) MaxRetries() int {
	return l.config.MaxRetries
}

// Load replaces the in-memory queue with the persisted one. Entries that
// fail to parse or validate are dropped; a corrupt queue loads as empty.
func (l *Log) Load(ctx context.Context) (int, error) {
	entries := make(map[string]*schema.PendingOperation)
	var seq int64
	var corrupt []string

	err := l.kv.Scan(ctx, keyPrefix, func(key string, value []byte) error {
		var op schema.PendingOperation
		if err := json.Unmarshal(value, &op); err != nil {
			l.logger.Printf("Dropping corrupt entry %s: %v", key, err)
			corrupt = append(corrupt, key)
			return nil
		}
		if err := op.Validate(); err != nil || keyPrefix+op.Key() != key {
			l.logger.Printf("Dropping invalid entry %s: %v", key, err)
			corrupt = append(corrupt, key)
			return nil
		}
		entries[op.Key()] = &op
		if op.Seq > seq {
			seq = op.Seq
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load operation log: %w", err)
	}

	if err := l.kv.PurgeKeys(ctx, corrupt); err != nil {
		return 0, fmt.Errorf("failed to drop corrupt entries: %w", err)
	}

	l.mu.Lock()
	l.entries = entries
	l.seq = seq
	l.mu.Unlock()
	return len(entries), nil
}

// Enqueue records op, folding it into any operation already queued for the
// same target. It returns the operation now queued, or nil when the two
// cancelled out.
func (l *Log) Enqueue(ctx context.Context, op *schema.PendingOperation) (*schema.PendingOperation, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}
	op = op.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := op.Key()
	prev := l.entries[key]
	merged := schema.Coalesce(prev, op)

	if merged == nil && l.inflight[key] != "" {
		// The create may already be on the server; keep the delete so it
		// can be rekeyed once the server id is known.
		merged = op
	}

	if merged == nil {
		if err := l.kv.DeleteContext(ctx, keyPrefix+key); err != nil {
			return nil, fmt.Errorf("failed to persist cancellation of %s: %w", key, err)
		}
		delete(l.entries, key)
		return nil, nil
	}

	if prev != nil {
		merged.Seq = prev.Seq
	} else {
		merged.Seq = l.seq + 1
	}
	if err := l.persist(ctx, merged); err != nil {
		return nil, err
	}
	if merged.Seq > l.seq {
		l.seq = merged.Seq
	}
	l.entries[key] = merged
	return merged.Clone(), nil
}

// persist writes op to the record store. Callers hold l.mu.
func (l *Log) persist(ctx context.Context, op *schema.PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", op.Key(), err)
	}
	if err := l.kv.SetContext(ctx, keyPrefix+op.Key(), data); err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", op.Key(), err)
	}
	return nil
}

// Dequeue removes the operation queued under key.
func (l *Log) Dequeue(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(ctx, key)
}

func (l *Log) removeLocked(ctx context.Context, key string) error {
	if _, ok := l.entries[key]; !ok {
		return nil
	}
	if err := l.kv.DeleteContext(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", key, err)
	}
	delete(l.entries, key)
	return nil
}

// Get returns a copy of the operation queued under key.
func (l *Log) Get(key string) (*schema.PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// HasPending reports whether an operation is queued for the target.
func (l *Log) HasPending(entity schema.EntityKind, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[schema.OperationKey(entity, id)]
	return ok
}

// PendingKind returns the kind of the operation queued for the target.
func (l *Log) PendingKind(entity schema.EntityKind, id string) (schema.OpKind, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.entries[schema.OperationKey(entity, id)]
	if !ok {
		return "", false
	}
	return op.Kind(), true
}

// Len returns the number of queued operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// List returns copies of all queued operations in the order they were first
// enqueued.
func (l *Log) List() []*schema.PendingOperation {
	l.mu.Lock()
	out := make([]*schema.PendingOperation, 0, len(l.entries))
	for _, op := range l.entries {
		out = append(out, op.Clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// IncrementRetry records a rejection of the operation under key. Once the
// count reaches MaxRetries the operation is removed and failed is true.
func (l *Log) IncrementRetry(ctx context.Context, key string) (count int, failed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.entries[key]
	if !ok {
		return 0, false, fmt.Errorf("no operation queued for %s", key)
	}

	updated := op.Clone()
	updated.RetryCount++
	if updated.RetryCount >= l.config.MaxRetries {
		if err := l.removeLocked(ctx, key); err != nil {
			return updated.RetryCount, false, err
		}
		l.logger.Printf("Operation %s %s failed %d times, giving up", updated.Kind(), key, updated.RetryCount)
		return updated.RetryCount, true, nil
	}

	if err := l.persist(ctx, updated); err != nil {
		return op.RetryCount, false, err
	}
	l.entries[key] = updated
	return updated.RetryCount, false, nil
}

// Complete records the server's acknowledgment of sent. serverID is the id
// the server assigned when sent was a create; it is ignored otherwise.
//
// If the entry was replaced while sent was in flight, the replacement stays
// queued. When the acknowledged create carried a provisional id, the
// replacement is moved to the server id: a queued create becomes an update
// carrying every field.
func (l *Log) Complete(ctx context.Context, sent *schema.PendingOperation, serverID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := sent.Key()
	if l.inflight[key] == sent.ID {
		delete(l.inflight, key)
	}

	cur, ok := l.entries[key]
	if !ok {
		return nil
	}
	if cur.ID == sent.ID {
		return l.removeLocked(ctx, key)
	}

	if sent.Kind() != schema.OpCreate || serverID == "" || serverID == sent.TargetID {
		return nil
	}

	moved := rekey(cur, serverID)
	newKey := moved.Key()
	if existing, ok := l.entries[newKey]; ok {
		moved = schema.Coalesce(existing, moved)
	}

	puts := make(map[string][]byte)
	if moved != nil {
		data, err := json.Marshal(moved)
		if err != nil {
			return fmt.Errorf("failed to marshal operation %s: %w", newKey, err)
		}
		puts[keyPrefix+newKey] = data
	}
	deletes := []string{keyPrefix + key}
	if moved == nil {
		deletes = append(deletes, keyPrefix+newKey)
	}
	if err := l.kv.Batch(ctx, puts, deletes); err != nil {
		return fmt.Errorf("failed to move operation %s to %s: %w", key, newKey, err)
	}

	delete(l.entries, key)
	if moved == nil {
		delete(l.entries, newKey)
	} else {
		l.entries[newKey] = moved
	}
	l.logger.Printf("Moved queued %s for %s to server id %s", cur.Kind(), sent.TargetID, serverID)
	return nil
}

// rekey retargets op at serverID. A create becomes a full update.
func rekey(op *schema.PendingOperation, serverID string) *schema.PendingOperation {
	out := op.Clone()
	out.TargetID = serverID
	if p, ok := out.Payload.(schema.CreatePayload); ok {
		switch {
		case p.Document != nil:
			out.Payload = schema.UpdatePayload{Diff: schema.DocumentDiff(p.Document)}
		case p.Folder != nil:
			out.Payload = schema.UpdatePayload{Diff: schema.FolderDiff(p.Folder)}
		}
	}
	return out
}

// RewriteFolderRef replaces references to a provisional folder id inside
// queued payloads once the server has issued the permanent id.
func (l *Log) RewriteFolderRef(ctx context.Context, oldID, newID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, op := range l.entries {
		updated := op.Clone()
		changed := false
		switch p := updated.Payload.(type) {
		case schema.CreatePayload:
			if p.Document != nil && p.Document.FolderID == oldID {
				p.Document.FolderID = newID
				changed = true
			}
			if p.Folder != nil && p.Folder.ParentID == oldID {
				p.Folder.ParentID = newID
				changed = true
			}
			updated.Payload = p
		case schema.UpdatePayload:
			if p.Diff.FolderID != nil && *p.Diff.FolderID == oldID {
				id := newID
				p.Diff.FolderID = &id
				changed = true
			}
			if p.Diff.ParentID != nil && *p.Diff.ParentID == oldID {
				id := newID
				p.Diff.ParentID = &id
				changed = true
			}
			updated.Payload = p
		}
		if !changed {
			continue
		}
		if err := l.persist(ctx, updated); err != nil {
			return err
		}
		l.entries[key] = updated
	}
	return nil
}

// markInflight records that op is being sent.
func (l *Log) markInflight(op *schema.PendingOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[op.Key()] = op.ID
}

func (l *Log) clearInflight(op *schema.PendingOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[op.Key()] == op.ID {
		delete(l.inflight, op.Key())
	}
}
