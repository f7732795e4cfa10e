package manifest

import (
	"sort"

	"github.com/scanvault/docsync/internal/schema"
)

// Diff compares the saved local manifest with the remote one.
//
// toFetch holds ids that are new remotely or whose remote updated_at is
// strictly later than the saved one; equal timestamps are not refetched.
// toPurge holds ids saved locally but absent remotely. Provisional ids are
// never purged: they have not reached the server yet. Both are sorted.
func Diff(local, remote schema.Manifest) (toFetch, toPurge []string) {
	for id, r := range remote {
		l, ok := local[id]
		if !ok || r.UpdatedAt.After(l.UpdatedAt) {
			toFetch = append(toFetch, id)
		}
	}
	for id := range local {
		if _, ok := remote[id]; ok || schema.IsProvisional(id) {
			continue
		}
		toPurge = append(toPurge, id)
	}
	sort.Strings(toFetch)
	sort.Strings(toPurge)
	return toFetch, toPurge
}

// advance builds the manifest to save after a cycle. Purged ids are gone,
// fetched ids take their remote entry, ids that were due for a fetch but
// did not arrive keep their previous entry (or stay absent) and everything
// else mirrors the remote.
func advance(local, remote schema.Manifest, toFetch []string, fetched map[string]struct{}) schema.Manifest {
	due := make(map[string]struct{}, len(toFetch))
	for _, id := range toFetch {
		due[id] = struct{}{}
	}

	next := make(schema.Manifest, len(remote))
	for id, r := range remote {
		if _, isDue := due[id]; isDue {
			if _, ok := fetched[id]; !ok {
				if l, had := local[id]; had {
					next[id] = l
				}
				continue
			}
		}
		next[id] = r
	}
	return next
}
