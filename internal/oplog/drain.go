package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/scanvault/docsync/internal/schema"
)

// Result is what the server returned for a sent operation.
type Result struct {
	// ServerID is the permanent id issued for a create.
	ServerID string
}

// Sender delivers one operation to the server.
//
// Errors that implement IsRejection() bool and report true count against the
// operation's retry budget. Any other error is treated as transient: the
// drain stops and the operation stays queued untouched.
type Sender interface {
	Send(ctx context.Context, op *schema.PendingOperation) (Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op *schema.PendingOperation) (Result, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, op *schema.PendingOperation) (Result, error) {
	return f(ctx, op)
}

// Observer is told about each step of a drain. All methods are called on
// the draining goroutine.
type Observer interface {
	// Sending is called before op goes out.
	Sending(op *schema.PendingOperation)

	// Sent is called once the server accepted op, before the log drops the
	// entry. Local state keyed by a provisional id should move to
	// result.ServerID here.
	Sent(op *schema.PendingOperation, result Result)

	// Rejected is called after a rejection was counted. failed is true when
	// the operation hit the retry cap and left the queue.
	Rejected(op *schema.PendingOperation, err error, retries int, failed bool)

	// Aborted is called when a transient error stopped the drain.
	Aborted(op *schema.PendingOperation, err error)
}

// DrainReport summarizes one drain.
type DrainReport struct {
	Attempted int
	Sent      int
	Rejected  int

	// Failed lists keys that hit the retry cap during this drain.
	Failed []string

	// Aborted is set when a transient error stopped the drain early.
	Aborted bool
}

type rejection interface {
	IsRejection() bool
}

// IsRejection reports whether err is a permanent rejection by the server.
func IsRejection(err error) bool {
	var r rejection
	return errors.As(err, &r) && r.IsRejection()
}

// Drain sends every queued operation in enqueue order. Only one drain runs
// at a time; a concurrent call waits for the running one.
//
// A transient error stops the drain and is returned with the report. The
// caller decides when to try again.
func (l *Log) Drain(ctx context.Context, sender Sender, observer Observer) (*DrainReport, error) {
	l.wg.Add(1)
	defer l.wg.Done()
	return l.drain(ctx, sender, observer)
}

func (l *Log) drain(ctx context.Context, sender Sender, observer Observer) (*DrainReport, error) {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	if observer == nil {
		observer = nopObserver{}
	}

	report := &DrainReport{}
	for _, op := range l.List() {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			return report, fmt.Errorf("drain interrupted: %w", err)
		}

		// Skip entries replaced since the snapshot was taken. An entry with
		// the same id may still have had its folder refs rewritten.
		cur, ok := l.Get(op.Key())
		if !ok || cur.ID != op.ID {
			continue
		}
		op = cur

		report.Attempted++
		l.markInflight(op)
		observer.Sending(op)
		result, err := sender.Send(ctx, op)

		if err == nil {
			observer.Sent(op, result)
			if cerr := l.Complete(ctx, op, result.ServerID); cerr != nil {
				return report, cerr
			}
			report.Sent++
			continue
		}
		l.clearInflight(op)

		if !IsRejection(err) {
			l.logger.Printf("Drain stopped at %s %s: %v", op.Kind(), op.Key(), err)
			report.Aborted = true
			observer.Aborted(op, err)
			return report, fmt.Errorf("failed to send %s %s: %w", op.Kind(), op.Key(), err)
		}

		report.Rejected++
		if cur, ok := l.Get(op.Key()); !ok || cur.ID != op.ID {
			// Replaced while in flight; the newer operation gets a fresh budget.
			observer.Rejected(op, err, op.RetryCount, false)
			continue
		}
		retries, failed, ierr := l.IncrementRetry(ctx, op.Key())
		if ierr != nil {
			return report, ierr
		}
		if failed {
			report.Failed = append(report.Failed, op.Key())
		}
		l.logger.Printf("Server rejected %s %s (attempt %d/%d): %v",
			op.Kind(), op.Key(), retries, l.config.MaxRetries, err)
		observer.Rejected(op, err, retries, failed)
	}
	return report, nil
}

// DrainResult is delivered by DrainAsync.
type DrainResult struct {
	Report *DrainReport
	Err    error
}

// DrainAsync starts a drain on a goroutine owned by the log and returns a
// channel that receives its result. Wait and Close block until it finishes.
func (l *Log) DrainAsync(ctx context.Context, sender Sender, observer Observer) (<-chan DrainResult, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()

	done := make(chan DrainResult, 1)
	go func() {
		defer l.wg.Done()
		report, err := l.drain(ctx, sender, observer)
		done <- DrainResult{Report: report, Err: err}
	}()
	return done, nil
}

// Wait blocks until every drain started through the log has finished.
func (l *Log) Wait() {
	l.wg.Wait()
}

// Close stops new asynchronous drains and waits for running ones.
func (l *Log) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}

type nopObserver struct{}

func (nopObserver) Sending(*schema.PendingOperation) {}
func (nopObserver) Sent(*schema.PendingOperation, Result) {}
func (nopObserver) Rejected(*schema.PendingOperation, error, int, bool) {}
func (nopObserver) Aborted(*schema.PendingOperation, error) {}
