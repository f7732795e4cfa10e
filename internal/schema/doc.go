// Package schema defines the records the sync engine moves between the
// device and the server.
//
// # Records
//
// A Document holds an ordered list of Pages. Pages reference images by
// string: a LocalRefScheme ("file://") reference points into the device
// blob store, anything else is server content. Metadata never embeds
// image bytes; Page.Validate rejects inline "data:" URIs.
//
// Identifiers minted on the device carry ProvisionalPrefix until the server
// acknowledges the create and issues a permanent id:
//
//	doc := &schema.Document{ID: schema.NewProvisionalID(), Name: "Receipt"}
//	doc.SetDefaults()
//	schema.IsProvisional(doc.ID) // true
//
// # Pending operations
//
// PendingOperation is a tagged union keyed by OpKind. Each kind has its
// own payload type:
//
//	create -> CreatePayload{Document | Folder}   full metadata snapshot
//	update -> UpdatePayload{Diff FieldDiff}      field-level diff
//	delete -> DeletePayload{}
//
// Only one operation per target is ever queued. Coalesce folds a new
// mutation into the queued one:
//
//	create + update -> create (snapshot with the diff applied)
//	create + delete -> nothing (the server never saw the record)
//	update + update -> update (later fields win)
//	any    + delete -> delete
//
// # Manifests
//
// ManifestEntry is the id/timestamp/count summary used to decide which
// documents changed without transferring pages.
package schema
