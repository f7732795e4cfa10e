// Package manifest provides the Manifest Sync Engine: it compares the
// server's compact document summary with the summary saved after the last
// pull and transfers only documents that changed.
//
// A cycle:
//  1. fetches the remote manifest (a failure here aborts without side effects)
//  2. loads the saved local manifest
//  3. diffs them into toFetch (new or strictly newer remotely) and toPurge
//     (saved locally, gone remotely, never provisional)
//  4. purges first, with no network calls
//  5. fetches changed documents in batches, falling back to one request per id
//  6. merges each fetched document through the conflict resolver
//  7. saves the new local manifest, advanced only for documents actually fetched
//
// The whole cycle is bounded by CycleTimeout. When it expires the cycle still
// completes its bookkeeping and reports TimedOut; unfetched documents are
// picked up by the next cycle because their manifest entries were not advanced.
package manifest

import (
	"context"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// Remote is the server side of the protocol.
type Remote interface {
	// FetchManifest returns every server document's summary and the server's
	// clock reading.
	FetchManifest(ctx context.Context) (schema.Manifest, time.Time, error)

	// FetchBatch returns the documents for ids in one request. It may return
	// fewer documents than requested.
	FetchBatch(ctx context.Context, ids []string) ([]*schema.Document, error)

	// FetchDocument returns one document.
	FetchDocument(ctx context.Context, id string) (*schema.Document, error)
}

// Records is the Local Record Store as the engine sees it.
type Records interface {
	// MergeDocument calls resolve with the local copy (nil when there is
	// none) and stores the document it returns. No other write to the
	// document can land between the read and the store. A nil result leaves
	// the store untouched.
	MergeDocument(id string, resolve func(local *schema.Document) (*schema.Document, error)) (*schema.Document, error)

	// RemoveDocument drops a purged document and returns what was removed.
	RemoveDocument(id string) (*schema.Document, error)
}

// Pending reports the mutation the operation log still holds for a
// document, if any.
type Pending interface {
	PendingKind(entity schema.EntityKind, id string) (schema.OpKind, bool)
}
