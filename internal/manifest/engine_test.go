package manifest

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/scanvault/docsync/internal/conflict"
	"github.com/scanvault/docsync/internal/db"
	"github.com/scanvault/docsync/internal/remote"
	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/store"
)

var (
	t1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t1.Add(2 * time.Hour)
)

func entry(id string, updated time.Time) schema.ManifestEntry {
	return schema.ManifestEntry{ID: id, Name: id, UpdatedAt: updated, CreatedAt: t1}
}

func serverDoc(id string, updated time.Time) *schema.Document {
	return &schema.Document{
		ID:        id,
		Name:      "server " + id,
		Pages:     []schema.Page{{ID: "p0", ImageRef: "https://cdn.example.com/" + id + ".jpg", CreatedAt: t1}},
		CreatedAt: t1,
		UpdatedAt: updated,
	}
}

// fakeRemote serves a fixed manifest and document set and counts calls.
type fakeRemote struct {
	mu          sync.Mutex
	manifest    schema.Manifest
	docs        map[string]*schema.Document
	manifestErr error
	batchErr    error
	delay       time.Duration

	batchCalls  int
	singleCalls []string
}

func (f *fakeRemote) FetchManifest(ctx context.Context) (schema.Manifest, time.Time, error) {
	if f.manifestErr != nil {
		return nil, time.Time{}, f.manifestErr
	}
	return f.manifest, t3, nil
}

func (f *fakeRemote) FetchBatch(ctx context.Context, ids []string) ([]*schema.Document, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var out []*schema.Document
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (f *fakeRemote) FetchDocument(ctx context.Context, id string) (*schema.Document, error) {
	f.mu.Lock()
	f.singleCalls = append(f.singleCalls, id)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d, ok := f.docs[id]
	if !ok {
		return nil, &remote.HTTPError{Method: "GET", Path: "/documents/" + id, StatusCode: http.StatusNotFound}
	}
	return d.Clone(), nil
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls + len(f.singleCalls)
}

type pendingSet map[string]schema.OpKind

func (p pendingSet) PendingKind(_ schema.EntityKind, id string) (schema.OpKind, bool) {
	kind, ok := p[id]
	return kind, ok
}

type harness struct {
	kv      *db.DB
	store   *store.Store
	state   *State
	remote  *fakeRemote
	pending pendingSet
	purged  []string
}

func newHarness(t *testing.T, r *fakeRemote, config *Config) (*harness, *Engine) {
	t.Helper()
	kv, err := db.Open(filepath.Join(t.TempDir(), "records.db"), db.DefaultLimits())
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	h := &harness{
		kv:      kv,
		store:   store.New(kv, &store.Config{Logger: log.New(io.Discard, "", 0)}),
		state:   NewState(kv),
		remote:  r,
		pending: pendingSet{},
	}
	if config == nil {
		config = &Config{}
	}
	config.Logger = log.New(io.Discard, "", 0)
	config.OnPurge = func(doc *schema.Document) { h.purged = append(h.purged, doc.ID) }
	return h, New(r, h.store, h.pending, nil, h.state, config)
}

func (h *harness) seed(t *testing.T, local schema.Manifest, docs ...*schema.Document) {
	t.Helper()
	if err := h.state.SaveLocalManifest(context.Background(), local); err != nil {
		t.Fatalf("SaveLocalManifest failed: %v", err)
	}
	for _, d := range docs {
		if err := h.store.UpsertDocument(d); err != nil {
			t.Fatalf("UpsertDocument failed: %v", err)
		}
	}
}

// TestDiff tests the fetch and purge sets.
func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		local     schema.Manifest
		remote    schema.Manifest
		wantFetch []string
		wantPurge []string
	}{
		{
			name:      "newer and new remote documents are fetched",
			local:     schema.NewManifest([]schema.ManifestEntry{entry("A", t1)}),
			remote:    schema.NewManifest([]schema.ManifestEntry{entry("A", t2), entry("B", t3)}),
			wantFetch: []string{"A", "B"},
		},
		{
			name:      "missing remotely is purged",
			local:     schema.NewManifest([]schema.ManifestEntry{entry("A", t1), entry("C", t1)}),
			remote:    schema.NewManifest([]schema.ManifestEntry{entry("A", t1)}),
			wantPurge: []string{"C"},
		},
		{
			name:   "equal timestamps are not refetched",
			local:  schema.NewManifest([]schema.ManifestEntry{entry("A", t2)}),
			remote: schema.NewManifest([]schema.ManifestEntry{entry("A", t2)}),
		},
		{
			name:   "provisional ids are never purged",
			local:  schema.NewManifest([]schema.ManifestEntry{entry("local-123", t1)}),
			remote: schema.Manifest{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetch, purge := Diff(tt.local, tt.remote)
			if !reflect.DeepEqual(fetch, tt.wantFetch) {
				t.Errorf("toFetch = %v, want %v", fetch, tt.wantFetch)
			}
			if !reflect.DeepEqual(purge, tt.wantPurge) {
				t.Errorf("toPurge = %v, want %v", purge, tt.wantPurge)
			}
		})
	}
}

// TestRunFetchesChangedDocuments tests a cycle that pulls new and updated documents.
func TestRunFetchesChangedDocuments(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t2), entry("B", t3)}),
		docs:     map[string]*schema.Document{"A": serverDoc("A", t2), "B": serverDoc("B", t3)},
	}
	h, e := newHarness(t, r, nil)
	h.seed(t, schema.NewManifest([]schema.ManifestEntry{entry("A", t1)}), serverDoc("A", t1))

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(report.Fetched, []string{"A", "B"}) || !report.UsedBatch {
		t.Errorf("report = %+v", report)
	}

	for _, id := range []string{"A", "B"} {
		doc, err := h.store.GetDocument(id)
		if err != nil {
			t.Fatalf("GetDocument(%s) failed: %v", id, err)
		}
		if doc.SyncStatus != schema.StatusSynced || doc.Name != "server "+id {
			t.Errorf("%s = %+v", id, doc)
		}
	}

	saved, err := h.state.LoadLocalManifest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !saved["A"].UpdatedAt.Equal(t2) || !saved["B"].UpdatedAt.Equal(t3) {
		t.Errorf("saved manifest = %+v", saved)
	}
	last, err := h.state.LastSyncTime(context.Background())
	if err != nil || !last.Equal(t3) {
		t.Errorf("LastSyncTime = %v, %v; want %v", last, err, t3)
	}
	if !h.state.InitialSyncDone(context.Background()) {
		t.Error("initial sync not marked done")
	}
}

// TestRunUnchangedManifestMakesNoFetches tests the no-op cycle.
func TestRunUnchangedManifestMakesNoFetches(t *testing.T) {
	m := schema.NewManifest([]schema.ManifestEntry{entry("A", t2)})
	r := &fakeRemote{manifest: m, docs: map[string]*schema.Document{"A": serverDoc("A", t2)}}
	h, e := newHarness(t, r, nil)
	h.seed(t, m, serverDoc("A", t2))

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if r.calls() != 0 {
		t.Errorf("made %d fetch calls for an unchanged manifest", r.calls())
	}
	if len(report.ToFetch) != 0 || len(report.ToPurge) != 0 {
		t.Errorf("report = %+v", report)
	}
}

// TestRunPurgesWithoutFetching tests that removed documents are dropped locally.
func TestRunPurgesWithoutFetching(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t1)}),
		docs:     map[string]*schema.Document{"A": serverDoc("A", t1)},
	}
	h, e := newHarness(t, r, nil)
	h.seed(t, schema.NewManifest([]schema.ManifestEntry{entry("A", t1), entry("C", t1)}),
		serverDoc("A", t1), serverDoc("C", t1))

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Purged != 1 || !reflect.DeepEqual(h.purged, []string{"C"}) {
		t.Errorf("purged = %v (report %+v)", h.purged, report)
	}
	if h.store.HasDocument("C") {
		t.Error("C still present after purge")
	}
	if r.calls() != 0 {
		t.Errorf("purge made %d fetch calls", r.calls())
	}
	saved, _ := h.state.LoadLocalManifest(context.Background())
	if _, ok := saved["C"]; ok {
		t.Error("C still in saved manifest")
	}
}

// TestRunManifestFailureChangesNothing tests that a failed manifest fetch has no side effects.
func TestRunManifestFailureChangesNothing(t *testing.T) {
	r := &fakeRemote{manifestErr: errors.New("offline")}
	h, e := newHarness(t, r, nil)
	h.seed(t, schema.NewManifest([]schema.ManifestEntry{entry("C", t1)}), serverDoc("C", t1))

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without a manifest")
	}
	if !h.store.HasDocument("C") {
		t.Error("document purged after manifest failure")
	}
	if h.state.InitialSyncDone(context.Background()) {
		t.Error("initial sync marked done after manifest failure")
	}
}

// TestRunBatchFallback tests per-document fetches when the batch endpoint is missing.
func TestRunBatchFallback(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t2), entry("B", t2), entry("gone", t2)}),
		docs:     map[string]*schema.Document{"A": serverDoc("A", t2), "B": serverDoc("B", t2)},
		batchErr: &remote.HTTPError{Method: "POST", Path: "/documents/batch", StatusCode: http.StatusNotFound},
	}
	h, e := newHarness(t, r, nil)

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(report.Fetched, []string{"A", "B"}) || !reflect.DeepEqual(report.FetchFailed, []string{"gone"}) {
		t.Errorf("report = %+v", report)
	}
	saved, _ := h.state.LoadLocalManifest(context.Background())
	if _, ok := saved["gone"]; ok {
		t.Error("manifest advanced for a document that was not fetched")
	}
	if last, _ := h.state.LastSyncTime(context.Background()); !last.IsZero() {
		t.Errorf("LastSyncTime = %v after a partial pull, want zero", last)
	}

	// The unsupported batch endpoint is remembered.
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.batchCalls != 1 {
		t.Errorf("batch endpoint called %d times, want 1", r.batchCalls)
	}
}

// TestRunKeepsLocalPageEdits tests that a pull never overwrites unsent page edits.
func TestRunKeepsLocalPageEdits(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t3)}),
		docs:     map[string]*schema.Document{"A": serverDoc("A", t3)},
	}
	h, e := newHarness(t, r, nil)
	local := serverDoc("A", t2)
	local.Name = "renamed locally"
	local.Pages[0].ImageRef = "file:///blobs/A__0__1-1.jpg"
	local.SyncStatus = schema.StatusLocal
	h.seed(t, schema.NewManifest([]schema.ManifestEntry{entry("A", t1)}), local)
	h.pending["A"] = schema.OpUpdate

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.KeptLocal != 1 {
		t.Errorf("KeptLocal = %d, want 1", report.KeptLocal)
	}
	got, _ := h.store.GetDocument("A")
	if got.Pages[0].ImageRef != local.Pages[0].ImageRef || !got.UpdatedAt.Equal(t2) {
		t.Errorf("local pages lost: %+v", got)
	}
	if got.Name != "server A" {
		t.Errorf("name = %q, want server metadata", got.Name)
	}
	if got.SyncStatus != schema.StatusLocal {
		t.Errorf("status = %s, want local while an operation is pending", got.SyncStatus)
	}
}

// TestRunTimeout tests that a stalled cycle is cut off and still marked done.
func TestRunTimeout(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("slow", t2)}),
		docs:     map[string]*schema.Document{"slow": serverDoc("slow", t2)},
		batchErr: &remote.HTTPError{Method: "POST", Path: "/documents/batch", StatusCode: http.StatusNotImplemented},
		delay:    5 * time.Second,
	}
	h, e := newHarness(t, r, &Config{CycleTimeout: 100 * time.Millisecond})

	start := time.Now()
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cycle was not bounded by its timeout")
	}
	if !report.TimedOut {
		t.Error("TimedOut not reported")
	}
	if !h.state.InitialSyncDone(context.Background()) {
		t.Error("timed out cycle not marked done")
	}
	saved, _ := h.state.LoadLocalManifest(context.Background())
	if _, ok := saved["slow"]; ok {
		t.Error("manifest advanced for an unfetched document")
	}
}

// TestRunExpiredLocalEdits tests that an expired edit bound lets the server win.
func TestRunExpiredLocalEdits(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t3)}),
		docs:     map[string]*schema.Document{"A": serverDoc("A", t3)},
	}
	h, _ := newHarness(t, r, nil)
	local := serverDoc("A", t1)
	local.Pages[0].ImageRef = "file:///blobs/A__0__1-1.jpg"
	h.seed(t, schema.Manifest{}, local)

	e := New(r, h.store, h.pending, conflict.New(conflict.Policy{MaxLocalEditAge: time.Minute}), h.state,
		&Config{Logger: log.New(io.Discard, "", 0)})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.GetDocument("A")
	if got.HasLocalEdits() || got.SyncStatus != schema.StatusSynced {
		t.Errorf("expired local edits kept: %+v", got)
	}
}

// TestRunReplacesAcknowledgedPages tests that uploaded page edits give way to the server copy.
func TestRunReplacesAcknowledgedPages(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t3)}),
		docs:     map[string]*schema.Document{"A": serverDoc("A", t3)},
	}
	h, e := newHarness(t, r, nil)
	local := serverDoc("A", t2)
	local.Pages[0].ImageRef = "file:///blobs/A__p0__1-1.jpg"
	local.SyncStatus = schema.StatusSynced
	h.seed(t, schema.NewManifest([]schema.ManifestEntry{entry("A", t2)}), local)

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.KeptLocal != 0 {
		t.Errorf("KeptLocal = %d, want 0", report.KeptLocal)
	}
	got, _ := h.store.GetDocument("A")
	if got.HasLocalEdits() || !got.UpdatedAt.Equal(t3) {
		t.Errorf("acknowledged local pages kept: %+v", got)
	}
}

// TestRunDefersQueuedDeletes tests that a server change to a document the
// user deleted locally does not bring it back while the delete is queued.
func TestRunDefersQueuedDeletes(t *testing.T) {
	r := &fakeRemote{
		manifest: schema.NewManifest([]schema.ManifestEntry{entry("A", t3), entry("B", t3)}),
		docs: map[string]*schema.Document{
			"A": serverDoc("A", t3),
			"B": serverDoc("B", t3),
		},
	}
	h, e := newHarness(t, r, nil)
	h.seed(t, schema.NewManifest([]schema.ManifestEntry{entry("A", t1)}))
	h.pending["A"] = schema.OpDelete

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(report.Deferred, []string{"A"}) {
		t.Errorf("Deferred = %v, want [A]", report.Deferred)
	}
	if !reflect.DeepEqual(report.Fetched, []string{"B"}) {
		t.Errorf("Fetched = %v, want [B]", report.Fetched)
	}
	if len(report.FetchFailed) != 0 {
		t.Errorf("FetchFailed = %v, want none", report.FetchFailed)
	}
	if h.store.HasDocument("A") {
		t.Error("locally deleted document was stored again")
	}
	for _, id := range r.singleCalls {
		if id == "A" {
			t.Error("document with a queued delete was fetched")
		}
	}

	saved, err := h.state.LoadLocalManifest(context.Background())
	if err != nil {
		t.Fatalf("LoadLocalManifest failed: %v", err)
	}
	if !saved["A"].UpdatedAt.Equal(t1) {
		t.Errorf("manifest entry for A advanced to %v, want %v", saved["A"].UpdatedAt, t1)
	}
	if last, _ := h.state.LastSyncTime(context.Background()); !last.Equal(t3) {
		t.Errorf("LastSyncTime = %v, want %v", last, t3)
	}

	// Once the delete is gone from the queue the server copy is fetched.
	delete(h.pending, "A")
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !h.store.HasDocument("A") {
		t.Error("document not fetched after the queued delete was dropped")
	}
}
