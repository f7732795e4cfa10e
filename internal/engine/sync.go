package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanvault/docsync/internal/conflict"
	"github.com/scanvault/docsync/internal/dashboard"
	"github.com/scanvault/docsync/internal/manifest"
	"github.com/scanvault/docsync/internal/oplog"
	"github.com/scanvault/docsync/internal/remote"
	"github.com/scanvault/docsync/internal/schema"
	"github.com/scanvault/docsync/internal/store"
)

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Reason string

	// LocalOnly is set when no server or token is available; nothing ran.
	LocalOnly bool

	Drain    *oplog.DrainReport
	DrainErr error
	Manifest *manifest.Report
	Swept    int
	Duration time.Duration
}

// RunCycle drains the operation log, then runs one manifest cycle. A
// transient drain failure does not stop the manifest cycle; its error is
// kept in the report. The returned error is the manifest cycle's.
func (e *Engine) RunCycle(ctx context.Context, reason string) (*CycleReport, error) {
	start := time.Now()
	report := &CycleReport{Reason: reason}
	if !e.Authenticated(ctx) {
		report.LocalOnly = true
		return report, nil
	}

	drain, err := e.ops.Drain(ctx, e.outbox, e.outbox)
	report.Drain = drain
	if err != nil {
		report.DrainErr = err
		e.publisher.SyncFailed(dashboard.SyncFailedData{Reason: reason, Stage: "drain", Error: err.Error()})
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	mr, err := e.sync.Run(ctx)
	report.Manifest = mr
	if err != nil {
		if remote.IsTransient(err) {
			e.online.Store(false)
		}
		e.publisher.SyncFailed(dashboard.SyncFailedData{Reason: reason, Stage: "manifest", Error: err.Error()})
		return report, err
	}
	e.online.Store(true)

	if mr.Purged > 0 {
		if res, err := e.Sweep(); err != nil {
			e.logger.Printf("Warning: blob sweep failed: %v", err)
		} else {
			report.Swept = res.Deleted
		}
	}
	if err := e.store.Flush(ctx); err != nil {
		e.logger.Printf("Warning: flush after cycle failed: %v", err)
	}

	report.Duration = time.Since(start)
	done := dashboard.SyncCompleteData{
		Reason:   reason,
		Fetched:  len(mr.Fetched),
		Purged:   mr.Purged,
		TimedOut: mr.TimedOut,
		Duration: report.Duration,
	}
	if drain != nil {
		done.Sent = drain.Sent
		done.Rejected = drain.Rejected
		done.Failed = drain.Failed
	}
	e.publisher.SyncComplete(done)
	return report, nil
}

// Drain sends queued operations without running a manifest cycle.
func (e *Engine) Drain(ctx context.Context) (*oplog.DrainReport, error) {
	if !e.Authenticated(ctx) {
		return &oplog.DrainReport{}, nil
	}
	return e.ops.Drain(ctx, e.outbox, e.outbox)
}

// kick starts a background drain after a mutation.
func (e *Engine) kick() {
	if !e.autoDrain || e.client == nil || !e.client.Authenticated(e.ctx) {
		return
	}
	if _, err := e.ops.DrainAsync(e.ctx, e.outbox, e.outbox); err != nil && !errors.Is(err, oplog.ErrClosed) {
		e.logger.Printf("Warning: failed to start drain: %v", err)
	}
}

func (e *Engine) onPurge(doc *schema.Document) {
	if err := e.ops.Dequeue(e.ctx, schema.OperationKey(schema.EntityDocument, doc.ID)); err != nil {
		e.logger.Printf("Warning: failed to drop queued operation for purged %s: %v", doc.ID, err)
	}
	e.publisher.DocStatus(dashboard.DocStatusData{DocumentID: doc.ID, Action: "purged", Name: doc.Name})
}

func (e *Engine) onMerge(doc *schema.Document, outcome conflict.Outcome) {
	if outcome == conflict.KeptLocalPages {
		e.logger.Printf("Kept local page edits for %s", doc.ID)
	}
	e.publisher.DocStatus(dashboard.DocStatusData{
		DocumentID: doc.ID,
		Action:     "updated",
		Status:     string(doc.SyncStatus),
		Name:       doc.Name,
	})
}

// outbox sends queued operations and applies the results to local state.
type outbox struct {
	e *Engine
}

// Send implements oplog.Sender.
func (o *outbox) Send(ctx context.Context, op *schema.PendingOperation) (oplog.Result, error) {
	switch op.Entity {
	case schema.EntityFolder:
		return o.sendFolder(ctx, op)
	default:
		return o.sendDocument(ctx, op)
	}
}

func (o *outbox) sendDocument(ctx context.Context, op *schema.PendingOperation) (oplog.Result, error) {
	c := o.e.client
	switch p := op.Payload.(type) {
	case schema.CreatePayload:
		body, missing := remote.DocumentUploadFrom(p.Document, o.e.store.ResolvePageImage)
		o.warnMissing(op, missing)
		id, err := c.CreateDocument(ctx, body)
		return oplog.Result{ServerID: id}, err
	case schema.UpdatePayload:
		body, missing := remote.DiffUpload(p.Diff, o.e.store.ResolvePageImage)
		o.warnMissing(op, missing)
		return oplog.Result{}, c.UpdateDocument(ctx, op.TargetID, body)
	case schema.DeletePayload:
		err := c.DeleteDocument(ctx, op.TargetID)
		if errors.Is(err, remote.ErrNotFound) {
			// Already gone is what a delete wants.
			err = nil
		}
		return oplog.Result{}, err
	}
	return oplog.Result{}, fmt.Errorf("unknown payload %T", op.Payload)
}

func (o *outbox) sendFolder(ctx context.Context, op *schema.PendingOperation) (oplog.Result, error) {
	c := o.e.client
	switch p := op.Payload.(type) {
	case schema.CreatePayload:
		id, err := c.CreateFolder(ctx, remote.FolderUploadFrom(schema.FolderDiff(p.Folder)))
		return oplog.Result{ServerID: id}, err
	case schema.UpdatePayload:
		return oplog.Result{}, c.UpdateFolder(ctx, op.TargetID, remote.FolderUploadFrom(p.Diff))
	case schema.DeletePayload:
		err := c.DeleteFolder(ctx, op.TargetID)
		if errors.Is(err, remote.ErrNotFound) {
			err = nil
		}
		return oplog.Result{}, err
	}
	return oplog.Result{}, fmt.Errorf("unknown payload %T", op.Payload)
}

func (o *outbox) warnMissing(op *schema.PendingOperation, missing []string) {
	for _, ref := range missing {
		o.e.logger.Printf("Warning: %s %s: image %s is missing, sending page without it", op.Kind(), op.TargetID, ref)
	}
}

// Sending implements oplog.Observer.
func (o *outbox) Sending(op *schema.PendingOperation) {
	if op.Kind() == schema.OpDelete {
		return
	}
	o.setStatus(op.Entity, op.TargetID, schema.StatusSyncing)
}

// Sent implements oplog.Observer. A create that returned a new id moves the
// local record to it before the log drops the entry.
func (o *outbox) Sent(op *schema.PendingOperation, result oplog.Result) {
	e := o.e
	e.online.Store(true)
	if op.Kind() == schema.OpDelete {
		e.publisher.DocStatus(dashboard.DocStatusData{DocumentID: op.TargetID, Action: "deleted", Status: string(schema.StatusSynced)})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := op.TargetID
	swapped := false
	if op.Kind() == schema.OpCreate && result.ServerID != "" && result.ServerID != op.TargetID {
		if err := o.swapID(op.Entity, op.TargetID, result.ServerID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.logger.Printf("Warning: failed to move %s to server id %s: %v", op.TargetID, result.ServerID, err)
			}
		} else {
			id = result.ServerID
			swapped = true
			e.publisher.DocStatus(dashboard.DocStatusData{DocumentID: id, PreviousID: op.TargetID, Action: "renamed"})
		}
	}

	status := schema.StatusSynced
	if cur, ok := e.ops.Get(op.Key()); ok && cur.ID != op.ID {
		// Edited again while in flight; the newer operation is still queued.
		status = schema.StatusLocal
	}
	o.setStatus(op.Entity, id, status)

	// The log drops the create as soon as Sent returns. The record must be
	// on disk under its server id first, or a restart would find the
	// provisional record with nothing queued for it.
	if swapped {
		if err := e.store.Flush(context.WithoutCancel(e.ctx)); err != nil {
			e.logger.Printf("Warning: failed to persist server id %s for %s: %v", id, op.TargetID, err)
		}
	}
}

func (o *outbox) swapID(entity schema.EntityKind, oldID, newID string) error {
	e := o.e
	if entity == schema.EntityFolder {
		if err := e.store.ReplaceFolderID(oldID, newID); err != nil {
			return err
		}
		return e.ops.RewriteFolderRef(e.ctx, oldID, newID)
	}
	return e.store.ReplaceID(oldID, newID)
}

// Rejected implements oplog.Observer.
func (o *outbox) Rejected(op *schema.PendingOperation, err error, retries int, failed bool) {
	if !failed {
		if op.Kind() != schema.OpDelete {
			o.setStatus(op.Entity, op.TargetID, schema.StatusLocal)
		}
		return
	}
	if op.Kind() != schema.OpDelete {
		o.setStatus(op.Entity, op.TargetID, schema.StatusFailed)
	}
	o.e.publisher.DocStatus(dashboard.DocStatusData{
		DocumentID: op.TargetID,
		Action:     "failed",
		Status:     string(schema.StatusFailed),
		Error:      err.Error(),
	})
}

// Aborted implements oplog.Observer.
func (o *outbox) Aborted(op *schema.PendingOperation, err error) {
	if remote.IsTransient(err) {
		o.e.online.Store(false)
	}
	if op.Kind() != schema.OpDelete {
		o.setStatus(op.Entity, op.TargetID, schema.StatusLocal)
	}
}

func (o *outbox) setStatus(entity schema.EntityKind, id string, status schema.SyncStatus) {
	var err error
	if entity == schema.EntityFolder {
		err = o.e.store.SetFolderSyncStatus(id, status)
	} else {
		err = o.e.store.SetSyncStatus(id, status)
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.e.logger.Printf("Warning: failed to mark %s %s: %v", id, status, err)
		}
		return
	}
	if entity == schema.EntityDocument {
		o.e.publisher.DocStatus(dashboard.DocStatusData{DocumentID: id, Action: "status", Status: string(status)})
	}
}
