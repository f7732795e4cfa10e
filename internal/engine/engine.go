// Package engine wires the sync components into one object owned by the
// caller: record store, blob store, operation log, server client, manifest
// sync and status publishing.
//
// Every user mutation is applied to local state first and returns without
// waiting for the network. The matching operation is queued and a drain is
// started on a goroutine owned by the operation log. RunCycle drains the log
// and then runs one manifest cycle; the scheduler decides when it runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scanvault/docsync/internal/blob"
	"github.com/scanvault/docsync/internal/config"
	"github.com/scanvault/docsync/internal/conflict"
	"github.com/scanvault/docsync/internal/dashboard"
	"github.com/scanvault/docsync/internal/db"
	"github.com/scanvault/docsync/internal/manifest"
	"github.com/scanvault/docsync/internal/oplog"
	"github.com/scanvault/docsync/internal/remote"
	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/store"
)

// Options are the collaborators an Engine can be given instead of the defaults.
type Options struct {
	// Token supplies the bearer token (default: read from Settings.TokenFile)
	Token remote.TokenFunc

	// HTTP is the client used for server calls (optional)
	HTTP *http.Client

	// Publisher receives status events (default: discarded)
	Publisher dashboard.Publisher

	// LogOutput receives every component's log lines (default: stderr)
	LogOutput io.Writer

	// DisableAutoDrain stops mutations from starting a drain; operations
	// wait for the next RunCycle.
	DisableAutoDrain bool
}

// Engine is the sync engine for one data directory.
type Engine struct {
	settings config.Settings
	kv       *db.DB
	blobs    *blob.Store
	store    *store.Store
	ops      *oplog.Log
	client   *remote.Client
	sync     *manifest.Engine
	state    *manifest.State

	publisher dashboard.Publisher
	logger    *log.Logger
	outbox    *outbox
	autoDrain bool

	// mu serializes user mutations with provisional id swaps.
	mu     sync.Mutex
	online atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the data directory described by settings and
// rehydrates local state. The server is not contacted.
func Open(ctx context.Context, settings config.Settings, opts *Options) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if settings.DataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if opts == nil {
		opts = &Options{}
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	newLogger := func(component string) *log.Logger {
		return log.New(out, "["+component+"] ", log.LstdFlags)
	}

	if err := os.MkdirAll(settings.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	kv, err := db.Open(settings.DBPath(), db.Limits{
		MaxEntryBytes: settings.Store.MaxEntryBytes,
		QuotaBytes:    settings.Store.QuotaBytes,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := blob.New(settings.BlobDir(), &blob.Config{Logger: newLogger("blob")})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	st := store.New(kv, &store.Config{
		FlushInterval: settings.Store.FlushInterval,
		Images:        blobs,
		Logger:        newLogger("store"),
	})
	loaded, err := st.Load(ctx)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	ops := oplog.New(kv, &oplog.Config{MaxRetries: settings.Sync.MaxRetries, Logger: newLogger("oplog")})
	pending, err := ops.Load(ctx)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	e := &Engine{
		settings:  settings,
		kv:        kv,
		blobs:     blobs,
		store:     st,
		ops:       ops,
		state:     manifest.NewState(kv),
		publisher: opts.Publisher,
		logger:    newLogger("engine"),
		autoDrain: !opts.DisableAutoDrain,
	}
	if e.publisher == nil {
		e.publisher = nopPublisher{}
	}
	e.outbox = &outbox{e: e}

	if settings.ServerURL != "" {
		token := opts.Token
		if token == nil {
			token = FileToken(settings.TokenFile)
		}
		client, err := remote.New(settings.ServerURL, token, &remote.Config{
			HTTP:           opts.HTTP,
			RequestTimeout: settings.Sync.RequestTimeout,
			Logger:         newLogger("remote"),
		})
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		e.client = client
		e.sync = manifest.New(client, lockedRecords{e}, ops,
			conflict.New(conflict.Policy{MaxLocalEditAge: settings.Sync.MaxLocalEditAge}),
			e.state,
			&manifest.Config{
				CycleTimeout:     settings.Sync.CycleTimeout,
				BatchSize:        settings.Sync.BatchSize,
				FetchConcurrency: settings.Sync.FetchConcurrency,
				OnPurge:          e.onPurge,
				OnMerge:          e.onMerge,
				Logger:           newLogger("manifest"),
			})
	}

	e.reconcile()
	e.logger.Printf("Opened %s: %d documents, %d folders, %d pending operations",
		settings.DataDir, loaded.Documents, loaded.Folders, pending)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		st.Run(e.ctx)
	}()
	return e, nil
}

// reconcile repairs statuses left behind by an interrupted process: a
// record marked syncing whose send never completed.
func (e *Engine) reconcile() {
	for _, doc := range e.store.ListDocuments(store.Filter{Status: schema.StatusSyncing}) {
		status := schema.StatusLocal
		if !e.ops.HasPending(schema.EntityDocument, doc.ID) && !schema.IsProvisional(doc.ID) {
			status = schema.StatusSynced
		}
		_ = e.store.SetSyncStatus(doc.ID, status)
	}
	for _, f := range e.store.ListFolders() {
		if f.SyncStatus == schema.StatusSyncing {
			_ = e.store.SetFolderSyncStatus(f.ID, schema.StatusLocal)
		}
	}
}

// Close waits for running drains, flushes local state and closes the
// database. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.ops.Close()
		e.cancel()
		e.wg.Wait()
		if err := e.store.Flush(context.Background()); err != nil {
			e.closeErr = err
		}
		if err := e.kv.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
	})
	return e.closeErr
}

// Settings returns the settings the engine was opened with.
func (e *Engine) Settings() config.Settings {
	return e.settings
}

// Store returns the Local Record Store for reads.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Blobs returns the Blob Store.
func (e *Engine) Blobs() *blob.Store {
	return e.blobs
}

// Pending returns the queued operations in send order.
func (e *Engine) Pending() []*schema.PendingOperation {
	return e.ops.List()
}

// Flush writes dirty records now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.store.Flush(ctx)
}

// WaitDrains blocks until every drain started by a mutation has finished.
func (e *Engine) WaitDrains() {
	e.ops.Wait()
}

// SetPublisher replaces the status publisher. Call before the engine is
// shared between goroutines.
func (e *Engine) SetPublisher(p dashboard.Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	e.publisher = p
}

// Online reports whether the last contact with the server succeeded.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records a connectivity report from outside the engine.
func (e *Engine) SetOnline(online bool) {
	e.online.Store(online)
}

// Authenticated reports whether a server is configured and a token is present.
func (e *Engine) Authenticated(ctx context.Context) bool {
	return e.client != nil && e.client.Authenticated(ctx)
}

// Probe checks that the server is reachable.
func (e *Engine) Probe(ctx context.Context) error {
	if e.client == nil {
		return ErrNoServer
	}
	return e.client.Ping(ctx)
}

// LastSyncTime returns the server time of the last complete pull.
func (e *Engine) LastSyncTime(ctx context.Context) (time.Time, error) {
	return e.state.LastSyncTime(ctx)
}

// Stats returns the snapshot shown by the dashboard and `docsync status`.
func (e *Engine) Stats() dashboard.StatsData {
	st := e.store.Stats()
	last, _ := e.state.LastSyncTime(context.Background())
	return dashboard.StatsData{
		Documents: st.Documents,
		Folders:   st.Folders,
		ByStatus:  dashboard.StatusCounts(st.ByStatus),
		Pending:   e.ops.Len(),
		Online:    e.online.Load(),
		LastSync:  last,
	}
}

// ErrNoServer is returned by network operations when server.url is unset.
var ErrNoServer = errors.New("no server configured")

// FileToken returns a TokenFunc that reads the token from path on every
// call. A missing file means signed out.
func FileToken(path string) remote.TokenFunc {
	return func(ctx context.Context) (string, error) {
		// #nosec G304 - path comes from configuration
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", nil
			}
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// lockedRecords gives the manifest engine the record store under e.mu, so a
// merge is serialized with user mutations and provisional id swaps.
type lockedRecords struct {
	e *Engine
}

func (r lockedRecords) MergeDocument(id string, resolve func(local *schema.Document) (*schema.Document, error)) (*schema.Document, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.e.store.MergeDocument(id, resolve)
}

func (r lockedRecords) RemoveDocument(id string) (*schema.Document, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.e.store.RemoveDocument(id)
}

type nopPublisher struct{}

func (nopPublisher) DocStatus(dashboard.DocStatusData)       {}
func (nopPublisher) SyncComplete(dashboard.SyncCompleteData) {}
func (nopPublisher) SyncFailed(dashboard.SyncFailedData)     {}
