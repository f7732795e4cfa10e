// Package db provides the bounded key-value record store backing the sync
// engine's persisted metadata.
//
// The store is an embedded SQLite database (WAL mode) holding one table of
// key/value rows. It is deliberately bounded: a single value may not exceed
// Limits.MaxEntryBytes and the sum of all values may not exceed
// Limits.QuotaBytes. Binary page content never lives here; it belongs to the
// blob store and is addressed by reference.
//
// Key layout used by the engine:
//   - doc/{id}        document metadata (JSON)
//   - folder/{id}     folder metadata (JSON)
//   - oplog/{key}     pending operation (JSON)
//   - manifest/{id}   last-fetched manifest entry (JSON)
//   - sync/last_time  server time of the last completed manifest cycle
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrValueTooLarge is returned when a single value exceeds MaxEntryBytes.
	ErrValueTooLarge = errors.New("value exceeds maximum entry size")

	// ErrStorageFull is returned when a write would exceed QuotaBytes.
	ErrStorageFull = errors.New("record store quota exceeded")
)

// Limits bounds the store.
type Limits struct {
	// MaxEntryBytes caps a single value (0 = unlimited)
	MaxEntryBytes int

	// QuotaBytes caps the sum of all values (0 = unlimited)
	QuotaBytes int64
}

// DefaultLimits returns the limits used when none are given.
func DefaultLimits() Limits {
	return Limits{
		MaxEntryBytes: 256 << 10,
		QuotaBytes:    5 << 20,
	}
}

// DB wraps the SQLite connection with bounded key-value operations.
type DB struct {
	conn   *sql.DB
	path   string
	limits Limits
}

// Entry describes one stored key without its value.
type Entry struct {
	Key       string
	Size      int
	UpdatedAt time.Time
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".docsync/records.db", db.DefaultLimits())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, limits Limits) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		limits: limits,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Limits returns the configured bounds.
func (db *DB) Limits() Limits {
	return db.limits
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the kv table if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		size INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (db *DB) Get(key string) ([]byte, error) {
	return db.GetContext(context.Background(), key)
}

// GetContext returns the value with context support.
func (db *DB) GetContext(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, enforcing the entry and quota limits.
func (db *DB) Set(key string, value []byte) error {
	return db.SetContext(context.Background(), key, value)
}

// SetContext stores a value with context support.
func (db *DB) SetContext(ctx context.Context, key string, value []byte) error {
	return db.Batch(ctx, map[string][]byte{key: value}, nil)
}

// Delete removes key. Returns nil if the key doesn't exist (idempotent).
func (db *DB) Delete(key string) error {
	return db.DeleteContext(context.Background(), key)
}

// DeleteContext removes a key with context support.
func (db *DB) DeleteContext(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Batch applies puts and deletes in one transaction. Either every change
// lands or none does. Limits are checked against the post-batch state.
func (db *DB) Batch(ctx context.Context, puts map[string][]byte, deletes []string) error {
	var added int64
	for key, value := range puts {
		if key == "" {
			return fmt.Errorf("key cannot be empty")
		}
		if db.limits.MaxEntryBytes > 0 && len(value) > db.limits.MaxEntryBytes {
			return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrValueTooLarge, key, len(value), db.limits.MaxEntryBytes)
		}
		added += int64(len(value))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	if db.limits.QuotaBytes > 0 && len(puts) > 0 {
		keys := make([]any, 0, len(puts))
		placeholders := make([]string, 0, len(puts))
		for key := range puts {
			keys = append(keys, key)
			placeholders = append(placeholders, "?")
		}
		var remaining int64
		query := `SELECT COALESCE(SUM(size), 0) FROM kv WHERE key NOT IN (` + strings.Join(placeholders, ",") + `)`
		if err := tx.QueryRowContext(ctx, query, keys...).Scan(&remaining); err != nil {
			return fmt.Errorf("failed to measure store size: %w", err)
		}
		if remaining+added > db.limits.QuotaBytes {
			return fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrStorageFull, remaining, added, db.limits.QuotaBytes)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range puts {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			updated_at = excluded.updated_at
		`, key, value, len(value), now)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Scan calls fn for every key with the given prefix, in key order.
// Iteration stops at the first error fn returns.
func (db *DB) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", prefix, err)
	}
	return nil
}

// Keys lists keys with the given prefix, in key order.
func (db *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := db.Entries(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Entries lists keys with the given prefix and their sizes.
func (db *DB) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key, size, updated_at FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Size, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// Size returns the total number of value bytes stored.
func (db *DB) Size(ctx context.Context) (int64, error) {
	var total int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM kv`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get store size: %w", err)
	}
	return total, nil
}

// Count returns the number of keys with the given prefix.
func (db *DB) Count(ctx context.Context, prefix string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", prefix, err)
	}
	return count, nil
}

// PurgeOversized deletes every entry larger than MaxEntryBytes and returns
// the deleted keys. Such entries can only exist if they were written before
// the limit was lowered or by a bug that leaked binary data into metadata.
func (db *DB) PurgeOversized(ctx context.Context) ([]string, error) {
	if db.limits.MaxEntryBytes <= 0 {
		return nil, nil
	}
	return db.purgeWhere(ctx, `size > ?`, db.limits.MaxEntryBytes)
}

// PurgeCorrupt deletes every entry under prefix whose value valid rejects
// and returns the deleted keys.
func (db *DB) PurgeCorrupt(ctx context.Context, prefix string, valid func(value []byte) bool) ([]string, error) {
	var bad []string
	err := db.Scan(ctx, prefix, func(key string, value []byte) error {
		if !valid(value) {
			bad = append(bad, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := db.PurgeKeys(ctx, bad); err != nil {
		return nil, err
	}
	return bad, nil
}

// PurgeKeys deletes the given keys in one transaction.
func (db *DB) PurgeKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return db.Batch(ctx, nil, keys)
}

func (db *DB) purgeWhere(ctx context.Context, cond string, args ...any) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key FROM kv WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find entries to purge: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	if err := db.PurgeKeys(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}
