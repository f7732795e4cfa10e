package manifest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scanvault/docsync/internal/conflict"
	"github.com/scanvault/docsync/internal/remote"
	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/store"
)

// Config configures an Engine.
type Config struct {
	// CycleTimeout bounds a whole cycle (default: 30s)
	CycleTimeout time.Duration

	// BatchSize is the number of ids per batch request (default: 50)
	BatchSize int

	// FetchConcurrency bounds per-id fallback requests (default: 4)
	FetchConcurrency int

	// OnPurge is called after a document is removed because the server no
	// longer has it (optional)
	OnPurge func(doc *schema.Document)

	// OnMerge is called after a fetched document is stored (optional)
	OnMerge func(doc *schema.Document, outcome conflict.Outcome)

	// Logger for cycle events (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		CycleTimeout:     30 * time.Second,
		BatchSize:        50,
		FetchConcurrency: 4,
		Logger:           log.New(os.Stderr, "[manifest] ", log.LstdFlags),
	}
}

// Report summarizes one cycle.
type Report struct {
	ToFetch     []string
	ToPurge     []string
	Fetched     []string
	FetchFailed []string

	// Deferred lists changed documents left alone because a local delete
	// is still queued for them. Their manifest entries are not advanced.
	Deferred []string

	Purged     int
	KeptLocal  int
	UsedBatch  bool
	TimedOut   bool
	ServerTime time.Time
	Duration   time.Duration
}

// Engine runs manifest sync cycles.
type Engine struct {
	remote   Remote
	records  Records
	pending  Pending
	resolver *conflict.Resolver
	state    *State
	config   *Config
	logger   *log.Logger

	// batchUnsupported is set once the server answers the batch endpoint
	// with 404, 405 or 501; later cycles go straight to per-id fetches.
	batchUnsupported atomic.Bool
	runMu            sync.Mutex
}

// New creates an engine. resolver may be nil for the default policy.
func New(r Remote, records Records, pending Pending, resolver *conflict.Resolver, state *State, config *Config) *Engine {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = def.CycleTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = def.FetchConcurrency
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if resolver == nil {
		resolver = conflict.New(conflict.Policy{})
	}
	return &Engine{
		remote:   r,
		records:  records,
		pending:  pending,
		resolver: resolver,
		state:    state,
		config:   config,
		logger:   config.Logger,
	}
}

// State returns the persisted manifest state.
func (e *Engine) State() *State {
	return e.state
}

// Run performs one cycle. An error means nothing was changed locally: the
// remote manifest could not be fetched or the saved one could not be read.
// A cycle that ran out of time returns a report with TimedOut set and no
// error.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, e.config.CycleTimeout)
	defer cancel()

	remoteManifest, serverTime, err := e.remote.FetchManifest(cycleCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	local, err := e.state.LoadLocalManifest(ctx)
	if err != nil {
		return nil, err
	}

	toFetch, toPurge := Diff(local, remoteManifest)
	report := &Report{ToFetch: toFetch, ToPurge: toPurge}

	for _, id := range toPurge {
		doc, err := e.records.RemoveDocument(id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.logger.Printf("Warning: failed to purge %s: %v", id, err)
			}
			continue
		}
		report.Purged++
		if e.config.OnPurge != nil {
			e.config.OnPurge(doc)
		}
	}

	deferred := make(map[string]struct{})
	wanted := make([]string, 0, len(toFetch))
	for _, id := range toFetch {
		if e.deleteQueued(id) {
			deferred[id] = struct{}{}
			continue
		}
		wanted = append(wanted, id)
	}

	fetched := make(map[string]struct{}, len(wanted))
	if len(wanted) > 0 {
		e.fetchAll(cycleCtx, wanted, fetched, deferred, report)
	}
	for _, id := range toFetch {
		if _, ok := fetched[id]; ok {
			report.Fetched = append(report.Fetched, id)
		} else if _, ok := deferred[id]; ok {
			report.Deferred = append(report.Deferred, id)
		} else {
			report.FetchFailed = append(report.FetchFailed, id)
		}
	}

	if cycleCtx.Err() != nil && ctx.Err() == nil {
		report.TimedOut = true
		e.logger.Printf("Cycle timed out after %v: %d of %d documents fetched",
			e.config.CycleTimeout, len(report.Fetched), len(toFetch))
	}

	commitTime := serverTime
	if report.TimedOut || len(report.FetchFailed) > 0 {
		commitTime = time.Time{}
	}
	next := advance(local, remoteManifest, toFetch, fetched)
	if err := e.state.commit(context.WithoutCancel(ctx), next, commitTime); err != nil {
		return report, err
	}

	report.ServerTime = serverTime
	report.Duration = time.Since(start)
	return report, nil
}

// fetchAll fetches toFetch in batches, falling back to one request per id
// when a batch fails. It stops early when ctx ends.
func (e *Engine) fetchAll(ctx context.Context, toFetch []string, fetched, deferred map[string]struct{}, report *Report) {
	var mu sync.Mutex
	accept := func(doc *schema.Document) {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := fetched[doc.ID]; dup {
			return
		}
		err := e.merge(doc, report)
		if errors.Is(err, errDeleteQueued) {
			deferred[doc.ID] = struct{}{}
			return
		}
		if err != nil {
			e.logger.Printf("Warning: failed to store %s: %v", doc.ID, err)
			return
		}
		fetched[doc.ID] = struct{}{}
	}

	for start := 0; start < len(toFetch); start += e.config.BatchSize {
		if ctx.Err() != nil {
			return
		}
		chunk := toFetch[start:min(start+e.config.BatchSize, len(toFetch))]

		if !e.batchUnsupported.Load() {
			docs, err := e.remote.FetchBatch(ctx, chunk)
			if err == nil {
				report.UsedBatch = true
				want := make(map[string]struct{}, len(chunk))
				for _, id := range chunk {
					want[id] = struct{}{}
				}
				for _, doc := range docs {
					if doc == nil {
						continue
					}
					if _, ok := want[doc.ID]; ok {
						accept(doc)
					}
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if batchUnsupported(err) {
				e.batchUnsupported.Store(true)
				e.logger.Printf("Batch fetch unsupported, using per-document requests")
			} else {
				e.logger.Printf("Warning: batch fetch failed, retrying individually: %v", err)
			}
		}

		e.fetchEach(ctx, chunk, accept)
	}
}

func (e *Engine) fetchEach(ctx context.Context, ids []string, accept func(*schema.Document)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.FetchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			doc, err := e.remote.FetchDocument(gctx, id)
			if err != nil {
				e.logger.Printf("Warning: failed to fetch %s: %v", id, err)
				return nil
			}
			if doc.ID != id {
				e.logger.Printf("Warning: requested %s, server returned %s", id, doc.ID)
				return nil
			}
			accept(doc)
			return nil
		})
	}
	_ = g.Wait()
}

// errDeleteQueued means a fetched document was not stored because the user
// deleted it locally and the delete has not reached the server.
var errDeleteQueued = errors.New("local delete queued")

func (e *Engine) deleteQueued(id string) bool {
	kind, ok := e.pending.PendingKind(schema.EntityDocument, id)
	return ok && kind == schema.OpDelete
}

// merge resolves a fetched document against the local copy and stores it.
// The pending check and the resolve run inside the store's merge so a user
// edit cannot land between reading the local copy and writing the result.
func (e *Engine) merge(server *schema.Document, report *Report) error {
	server.SetDefaults()
	if err := server.Validate(); err != nil {
		return fmt.Errorf("invalid server document: %w", err)
	}

	var (
		outcome conflict.Outcome
		skipped bool
	)
	merged, err := e.records.MergeDocument(server.ID, func(local *schema.Document) (*schema.Document, error) {
		kind, pending := e.pending.PendingKind(schema.EntityDocument, server.ID)
		if pending && kind == schema.OpDelete {
			skipped = true
			return nil, nil
		}

		// A synced copy has no unsent edits: its local refs were uploaded by
		// an acknowledged operation and the server copy now carries them.
		base := local
		if local != nil && local.SyncStatus == schema.StatusSynced && !pending {
			base = nil
		}

		var merged *schema.Document
		merged, outcome = e.resolver.Merge(server, base)
		switch {
		case pending:
			merged.SyncStatus = schema.StatusLocal
		case outcome == conflict.KeptLocalPages && local.SyncStatus == schema.StatusFailed:
			merged.SyncStatus = schema.StatusFailed
		default:
			merged.SyncStatus = schema.StatusSynced
		}
		return merged, nil
	})
	if err != nil {
		return err
	}
	if skipped {
		return errDeleteQueued
	}
	if outcome == conflict.KeptLocalPages {
		report.KeptLocal++
	}
	if e.config.OnMerge != nil {
		e.config.OnMerge(merged, outcome)
	}
	return nil
}

func batchUnsupported(err error) bool {
	var he *remote.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}
