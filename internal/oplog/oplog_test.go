package oplog

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/scanvault/docsync/internal/db"
	"github.com/scanvault/docsync/internal/schema"
)

func openKV(t *testing.T) *db.DB {
	t.Helper()
	kv, err := db.Open(filepath.Join(t.TempDir(), "records.db"), db.DefaultLimits())
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func newTestLog(t *testing.T, kv *db.DB) *Log {
	t.Helper()
	return New(kv, &Config{MaxRetries: 3, Logger: log.New(io.Discard, "", 0)})
}

func newDoc(id string) *schema.Document {
	now := time.Now().UTC()
	return &schema.Document{
		ID:         id,
		Name:       "Scan",
		Pages:      []schema.Page{{ID: "p0", ImageRef: "file:///blobs/" + id + "__p0__1-1.jpg", CreatedAt: now}},
		SyncStatus: schema.StatusLocal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func createOp(id string) *schema.PendingOperation {
	return schema.NewOperation(schema.EntityDocument, id, schema.CreatePayload{Document: newDoc(id)})
}

func renameOp(id, name string) *schema.PendingOperation {
	return schema.NewOperation(schema.EntityDocument, id, schema.UpdatePayload{Diff: schema.FieldDiff{Name: &name}})
}

func deleteOp(id string) *schema.PendingOperation {
	return schema.NewOperation(schema.EntityDocument, id, schema.DeletePayload{})
}

type rejectErr struct{ status int }

func (e *rejectErr) Error() string     { return "rejected" }
func (e *rejectErr) IsRejection() bool { return true }

type recorder struct {
	sent     []string
	rejected []string
	failed   []string
	aborted  []string
}

func (r *recorder) Sending(*schema.PendingOperation) {}
func (r *recorder) Sent(op *schema.PendingOperation, res Result) {
	r.sent = append(r.sent, op.Key()+"->"+res.ServerID)
}
func (r *recorder) Rejected(op *schema.PendingOperation, err error, retries int, failed bool) {
	r.rejected = append(r.rejected, op.Key())
	if failed {
		r.failed = append(r.failed, op.Key())
	}
}
func (r *recorder) Aborted(op *schema.PendingOperation, err error) {
	r.aborted = append(r.aborted, op.Key())
}

func TestEnqueueCoalescesPerTarget(t *testing.T) {
	kv := openKV(t)
	l := newTestLog(t, kv)
	ctx := context.Background()
	id := schema.NewProvisionalID()

	if _, err := l.Enqueue(ctx, createOp(id)); err != nil {
		t.Fatalf("Enqueue(create) failed: %v", err)
	}
	queued, err := l.Enqueue(ctx, renameOp(id, "Invoice"))
	if err != nil {
		t.Fatalf("Enqueue(update) failed: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 entry per target", l.Len())
	}
	if queued.Kind() != schema.OpCreate {
		t.Errorf("queued kind = %s, want create", queued.Kind())
	}
	if name := queued.Payload.(schema.CreatePayload).Document.Name; name != "Invoice" {
		t.Errorf("create snapshot name = %q, want Invoice", name)
	}

	queued, err = l.Enqueue(ctx, deleteOp(id))
	if err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}
	if queued != nil || l.Len() != 0 {
		t.Errorf("create+delete should cancel, got %+v (len %d)", queued, l.Len())
	}
	if n, _ := kv.Count(ctx, keyPrefix); n != 0 {
		t.Errorf("%d persisted entries remain after cancellation", n)
	}

	if _, err := l.Enqueue(ctx, schema.NewOperation(schema.EntityDocument, "srv-1", schema.UpdatePayload{})); err == nil {
		t.Error("Enqueue accepted an empty diff")
	}
}

func TestLoadRestoresOrderAndDropsCorrupt(t *testing.T) {
	kv := openKV(t)
	ctx := context.Background()
	l := newTestLog(t, kv)

	first, second := schema.NewProvisionalID(), "srv-2"
	if _, err := l.Enqueue(ctx, createOp(first)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Enqueue(ctx, renameOp(second, "B")); err != nil {
		t.Fatal(err)
	}
	// Replacing the first entry keeps its place in the queue.
	if _, err := l.Enqueue(ctx, renameOp(first, "A")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(keyPrefix+"document/garbage", []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	reloaded := newTestLog(t, kv)
	n, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Load() = %d entries, want 2", n)
	}
	ops := reloaded.List()
	if ops[0].TargetID != first || ops[1].TargetID != second {
		t.Errorf("order = %s, %s; want %s, %s", ops[0].TargetID, ops[1].TargetID, first, second)
	}
	if _, err := kv.Get(keyPrefix + "document/garbage"); !errors.Is(err, db.ErrNotFound) {
		t.Error("corrupt entry was not dropped")
	}

	// Sequence numbers continue after reload.
	third, err := reloaded.Enqueue(ctx, renameOp("srv-3", "C"))
	if err != nil {
		t.Fatal(err)
	}
	if third.Seq <= ops[1].Seq {
		t.Errorf("new seq %d does not follow %d", third.Seq, ops[1].Seq)
	}
}

func TestDrainProvisionalCreate(t *testing.T) {
	l := newTestLog(t, openKV(t))
	ctx := context.Background()
	id := schema.NewProvisionalID()
	if _, err := l.Enqueue(ctx, createOp(id)); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	sender := SenderFunc(func(ctx context.Context, op *schema.PendingOperation) (Result, error) {
		return Result{ServerID: "srv-1"}, nil
	})
	report, err := l.Drain(ctx, sender, rec)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if report.Sent != 1 || l.Len() != 0 {
		t.Errorf("report = %+v, len = %d", report, l.Len())
	}
	if len(rec.sent) != 1 || rec.sent[0] != "document/"+id+"->srv-1" {
		t.Errorf("observer saw %v", rec.sent)
	}
}

func TestRetryCap(t *testing.T) {
	l := newTestLog(t, openKV(t))
	ctx := context.Background()
	if _, err := l.Enqueue(ctx, renameOp("srv-1", "x")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	sender := SenderFunc(func(ctx context.Context, op *schema.PendingOperation) (Result, error) {
		calls++
		return Result{}, &rejectErr{status: 422}
	})

	rec := &recorder{}
	for i := 1; i <= 3; i++ {
		report, err := l.Drain(ctx, sender, rec)
		if err != nil {
			t.Fatalf("drain %d failed: %v", i, err)
		}
		if i < 3 && len(report.Failed) != 0 {
			t.Errorf("drain %d: failed too early", i)
		}
		if i == 3 && (len(report.Failed) != 1 || report.Failed[0] != "document/srv-1") {
			t.Errorf("drain 3: Failed = %v", report.Failed)
		}
	}

	report, err := l.Drain(ctx, sender, rec)
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 0 || calls != 3 {
		t.Errorf("failed operation was retried: attempted=%d calls=%d", report.Attempted, calls)
	}
	if len(rec.failed) != 1 {
		t.Errorf("observer saw %d terminal failures, want 1", len(rec.failed))
	}
}

func TestDrainStopsOnTransientError(t *testing.T) {
	l := newTestLog(t, openKV(t))
	ctx := context.Background()
	_, _ = l.Enqueue(ctx, renameOp("srv-1", "a"))
	_, _ = l.Enqueue(ctx, renameOp("srv-2", "b"))

	netErr := errors.New("connection refused")
	calls := 0
	sender := SenderFunc(func(ctx context.Context, op *schema.PendingOperation) (Result, error) {
		calls++
		return Result{}, netErr
	})
	rec := &recorder{}

	report, err := l.Drain(ctx, sender, rec)
	if !errors.Is(err, netErr) {
		t.Fatalf("Drain error = %v, want the transient error", err)
	}
	if !report.Aborted || calls != 1 {
		t.Errorf("drain continued after a transient error: %+v calls=%d", report, calls)
	}
	if l.Len() != 2 {
		t.Errorf("Len() = %d, want both operations kept", l.Len())
	}
	if op, _ := l.Get("document/srv-1"); op.RetryCount != 0 {
		t.Errorf("transient error consumed a retry: %d", op.RetryCount)
	}
	if len(rec.aborted) != 1 {
		t.Errorf("observer aborted calls = %v", rec.aborted)
	}
}

func TestReplacedWhileInFlight(t *testing.T) {
	ctx := context.Background()

	t.Run("update moves to the server id", func(t *testing.T) {
		l := newTestLog(t, openKV(t))
		id := schema.NewProvisionalID()
		_, _ = l.Enqueue(ctx, createOp(id))

		sender := SenderFunc(func(ctx context.Context, op *schema.PendingOperation) (Result, error) {
			if _, err := l.Enqueue(ctx, renameOp(id, "Renamed")); err != nil {
				t.Errorf("Enqueue during send failed: %v", err)
			}
			return Result{ServerID: "srv-9"}, nil
		})
		if _, err := l.Drain(ctx, sender, nil); err != nil {
			t.Fatalf("Drain failed: %v", err)
		}

		if l.HasPending(schema.EntityDocument, id) {
			t.Error("entry still queued under the provisional id")
		}
		op, ok := l.Get("document/srv-9")
		if !ok {
			t.Fatal("replacement not moved to the server id")
		}
		if op.Kind() != schema.OpUpdate {
			t.Fatalf("kind = %s, want update", op.Kind())
		}
		if name := op.Payload.(schema.UpdatePayload).Diff.Name; name == nil || *name != "Renamed" {
			t.Errorf("diff name = %v, want Renamed", name)
		}
	})

	t.Run("delete is kept for the server id", func(t *testing.T) {
		l := newTestLog(t, openKV(t))
		id := schema.NewProvisionalID()
		_, _ = l.Enqueue(ctx, createOp(id))

		sender := SenderFunc(func(ctx context.Context, op *schema.PendingOperation) (Result, error) {
			queued, err := l.Enqueue(ctx, deleteOp(id))
			if err != nil || queued == nil {
				t.Errorf("delete during send was dropped: %v", err)
			}
			return Result{ServerID: "srv-10"}, nil
		})
		if _, err := l.Drain(ctx, sender, nil); err != nil {
			t.Fatalf("Drain failed: %v", err)
		}
		op, ok := l.Get("document/srv-10")
		if !ok || op.Kind() != schema.OpDelete {
			t.Errorf("want a queued delete for srv-10, got %+v", op)
		}
	})
}

func TestRewriteFolderRef(t *testing.T) {
	l := newTestLog(t, openKV(t))
	ctx := context.Background()
	folder := schema.NewProvisionalID()

	id := schema.NewProvisionalID()
	doc := newDoc(id)
	doc.FolderID = folder
	_, _ = l.Enqueue(ctx, schema.NewOperation(schema.EntityDocument, id, schema.CreatePayload{Document: doc}))
	_, _ = l.Enqueue(ctx, schema.NewOperation(schema.EntityDocument, "srv-1",
		schema.UpdatePayload{Diff: schema.FieldDiff{FolderID: &folder}}))

	if err := l.RewriteFolderRef(ctx, folder, "fsrv-1"); err != nil {
		t.Fatalf("RewriteFolderRef failed: %v", err)
	}
	create, _ := l.Get("document/" + id)
	if got := create.Payload.(schema.CreatePayload).Document.FolderID; got != "fsrv-1" {
		t.Errorf("create folder = %q, want fsrv-1", got)
	}
	update, _ := l.Get("document/srv-1")
	if got := *update.Payload.(schema.UpdatePayload).Diff.FolderID; got != "fsrv-1" {
		t.Errorf("update folder = %q, want fsrv-1", got)
	}
}

func TestDrainAsyncTracked(t *testing.T) {
	l := newTestLog(t, openKV(t))
	ctx := context.Background()
	_, _ = l.Enqueue(ctx, renameOp("srv-1", "a"))

	release := make(chan struct{})
	sender := SenderFunc(func(ctx context.Context, op *schema.PendingOperation) (Result, error) {
		<-release
		return Result{}, nil
	})

	done, err := l.DrainAsync(ctx, sender, nil)
	if err != nil {
		t.Fatalf("DrainAsync failed: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a drain was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	res := <-done
	if res.Err != nil || res.Report.Sent != 1 {
		t.Errorf("async drain result = %+v, %v", res.Report, res.Err)
	}
	<-closed

	if _, err := l.DrainAsync(ctx, sender, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("DrainAsync after Close error = %v, want ErrClosed", err)
	}
}
