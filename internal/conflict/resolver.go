// Package conflict merges a fetched server snapshot into the local copy of a
// document.
//
// Page edits that exist only on the device (pages referencing local blobs)
// are never overwritten by a pull. Metadata (name, folder, tags, type,
// protection) always follows the server.
package conflict

import (
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// Policy tunes the resolver.
type Policy struct {
	// MaxLocalEditAge bounds how long unsynced page edits are preserved.
	// When the server copy is newer than the local one by more than this,
	// the server copy wins outright. Zero disables the bound.
	MaxLocalEditAge time.Duration
}

// Outcome says which rule Merge applied.
type Outcome int

const (
	// ServerWins means the server copy replaced the local one (or there was
	// no local copy).
	ServerWins Outcome = iota

	// KeptLocalPages means local pages and updated_at were preserved and
	// server metadata adopted.
	KeptLocalPages

	// ExpiredLocalEdits means local page edits existed but were older than
	// MaxLocalEditAge and were discarded.
	ExpiredLocalEdits
)

func (o Outcome) String() string {
	switch o {
	case ServerWins:
		return "server-wins"
	case KeptLocalPages:
		return "kept-local-pages"
	case ExpiredLocalEdits:
		return "expired-local-edits"
	}
	return "unknown"
}

// Resolver merges server and local documents.
type Resolver struct {
	policy Policy
}

// New creates a resolver with the given policy.
func New(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Merge returns the document to store locally. Neither input is modified.
//
// The result's SyncStatus is synced when the server copy won and local
// when local pages were kept; the caller still owns the final status if an
// operation is queued for the document.
func (r *Resolver) Merge(server, local *schema.Document) (*schema.Document, Outcome) {
	out := server.Clone()
	out.Tags = schema.NormalizeTags(out.Tags)
	if out.Pages == nil {
		out.Pages = []schema.Page{}
	}

	if local == nil || !local.HasLocalEdits() {
		out.SyncStatus = schema.StatusSynced
		return out, ServerWins
	}

	if r.policy.MaxLocalEditAge > 0 && server.UpdatedAt.Sub(local.UpdatedAt) > r.policy.MaxLocalEditAge {
		out.SyncStatus = schema.StatusSynced
		return out, ExpiredLocalEdits
	}

	kept := local.Clone()
	out.Pages = kept.Pages
	out.UpdatedAt = kept.UpdatedAt
	out.OCRText = kept.OCRText
	out.SyncStatus = schema.StatusLocal
	if out.CreatedAt.IsZero() {
		out.CreatedAt = kept.CreatedAt
	}
	return out, KeptLocalPages
}
