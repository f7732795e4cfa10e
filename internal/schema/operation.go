package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind is the mutation an operation carries to the server.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// EntityKind says which record type an operation targets.
type EntityKind string

const (
	EntityDocument EntityKind = "document"
	EntityFolder   EntityKind = "folder"
)

// FieldDiff is a field-level change set. Nil fields are unchanged.
type FieldDiff struct {
	Name      *string   `json:"name,omitempty"`
	FolderID  *string   `json:"folder_id,omitempty"`
	Tags      *[]string `json:"tags,omitempty"`
	Pages     *[]Page   `json:"pages,omitempty"`
	Type      *string   `json:"document_type,omitempty"`
	Protected *bool     `json:"is_protected,omitempty"`

	// Folder-only fields.
	Color    *string `json:"color,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

// IsEmpty reports whether the diff changes nothing.
func (d FieldDiff) IsEmpty() bool {
	return d.Name == nil && d.FolderID == nil && d.Tags == nil && d.Pages == nil &&
		d.Type == nil && d.Protected == nil && d.Color == nil && d.ParentID == nil
}

// Merge returns d overlaid with later; fields set in later win.
func (d FieldDiff) Merge(later FieldDiff) FieldDiff {
	out := d
	if later.Name != nil {
		out.Name = later.Name
	}
	if later.FolderID != nil {
		out.FolderID = later.FolderID
	}
	if later.Tags != nil {
		out.Tags = later.Tags
	}
	if later.Pages != nil {
		out.Pages = later.Pages
	}
	if later.Type != nil {
		out.Type = later.Type
	}
	if later.Protected != nil {
		out.Protected = later.Protected
	}
	if later.Color != nil {
		out.Color = later.Color
	}
	if later.ParentID != nil {
		out.ParentID = later.ParentID
	}
	return out
}

// ApplyDocument writes the diff's document fields into doc.
func (d FieldDiff) ApplyDocument(doc *Document) {
	if d.Name != nil {
		doc.Name = *d.Name
	}
	if d.FolderID != nil {
		doc.FolderID = *d.FolderID
	}
	if d.Tags != nil {
		doc.Tags = NormalizeTags(*d.Tags)
	}
	if d.Pages != nil {
		doc.Pages = append([]Page(nil), (*d.Pages)...)
	}
	if d.Type != nil {
		doc.Type = *d.Type
	}
	if d.Protected != nil {
		doc.Protected = *d.Protected
	}
}

// ApplyFolder writes the diff's folder fields into f.
func (d FieldDiff) ApplyFolder(f *Folder) {
	if d.Name != nil {
		f.Name = *d.Name
	}
	if d.Color != nil {
		f.Color = *d.Color
	}
	if d.ParentID != nil {
		f.ParentID = *d.ParentID
	}
	if d.Protected != nil {
		f.Protected = *d.Protected
	}
}

// DocumentDiff returns a diff that sets every mutable document field.
func DocumentDiff(doc *Document) FieldDiff {
	name, folder, typ, prot := doc.Name, doc.FolderID, doc.Type, doc.Protected
	tags := append([]string(nil), doc.Tags...)
	pages := append([]Page(nil), doc.Pages...)
	return FieldDiff{
		Name:      &name,
		FolderID:  &folder,
		Tags:      &tags,
		Pages:     &pages,
		Type:      &typ,
		Protected: &prot,
	}
}

// FolderDiff returns a diff that sets every mutable folder field.
func FolderDiff(f *Folder) FieldDiff {
	name, color, parent, prot := f.Name, f.Color, f.ParentID, f.Protected
	return FieldDiff{Name: &name, Color: &color, ParentID: &parent, Protected: &prot}
}

// Payload is the kind-specific body of a PendingOperation.
type Payload interface {
	Kind() OpKind
}

// CreatePayload carries the full metadata snapshot of a new record.
// Exactly one of Document or Folder is set.
type CreatePayload struct {
	Document *Document `json:"document,omitempty"`
	Folder   *Folder   `json:"folder,omitempty"`
}

// Kind implements Payload.
func (CreatePayload) Kind() OpKind { return OpCreate }

// UpdatePayload carries a field-level diff.
type UpdatePayload struct {
	Diff FieldDiff `json:"diff"`
}

// Kind implements Payload.
func (UpdatePayload) Kind() OpKind { return OpUpdate }

// DeletePayload carries nothing; the target id is enough.
type DeletePayload struct{}

// Kind implements Payload.
func (DeletePayload) Kind() OpKind { return OpDelete }

// PendingOperation is a mutation the server has not acknowledged yet.
type PendingOperation struct {
	ID         string
	Entity     EntityKind
	TargetID   string
	Payload    Payload
	RetryCount int
	Seq        int64
	CreatedAt  time.Time
}

// NewOperation builds an operation with a fresh id.
func NewOperation(entity EntityKind, targetID string, payload Payload) *PendingOperation {
	return &PendingOperation{
		ID:        uuid.NewString(),
		Entity:    entity,
		TargetID:  targetID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Kind returns the payload's operation kind.
func (op *PendingOperation) Kind() OpKind {
	if op.Payload == nil {
		return ""
	}
	return op.Payload.Kind()
}

// Key identifies the operation's target. The log holds at most one
// operation per key.
func (op *PendingOperation) Key() string {
	return OperationKey(op.Entity, op.TargetID)
}

// OperationKey builds the log key for a target.
func OperationKey(entity EntityKind, targetID string) string {
	if entity == "" {
		entity = EntityDocument
	}
	return string(entity) + "/" + targetID
}

// Validate checks that the payload matches the target.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if op.TargetID == "" {
		return fmt.Errorf("target id is required")
	}
	if op.Entity != EntityDocument && op.Entity != EntityFolder {
		return fmt.Errorf("invalid entity kind: %q", op.Entity)
	}
	switch p := op.Payload.(type) {
	case CreatePayload:
		switch op.Entity {
		case EntityDocument:
			if p.Document == nil || p.Folder != nil {
				return fmt.Errorf("create %s: payload must carry a document", op.TargetID)
			}
			if p.Document.ID != op.TargetID {
				return fmt.Errorf("create %s: payload document id %s does not match", op.TargetID, p.Document.ID)
			}
			return p.Document.Validate()
		case EntityFolder:
			if p.Folder == nil || p.Document != nil {
				return fmt.Errorf("create %s: payload must carry a folder", op.TargetID)
			}
			if p.Folder.ID != op.TargetID {
				return fmt.Errorf("create %s: payload folder id %s does not match", op.TargetID, p.Folder.ID)
			}
			return p.Folder.Validate()
		}
	case UpdatePayload:
		if p.Diff.IsEmpty() {
			return fmt.Errorf("update %s: empty diff", op.TargetID)
		}
		if p.Diff.Pages != nil {
			for i := range *p.Diff.Pages {
				if err := (*p.Diff.Pages)[i].Validate(); err != nil {
					return fmt.Errorf("update %s: %w", op.TargetID, err)
				}
			}
		}
	case DeletePayload:
	case nil:
		return fmt.Errorf("operation %s has no payload", op.ID)
	default:
		return fmt.Errorf("unknown payload type %T", p)
	}
	return nil
}

// Clone returns a deep copy of the operation.
func (op *PendingOperation) Clone() *PendingOperation {
	if op == nil {
		return nil
	}
	c := *op
	if p, ok := op.Payload.(CreatePayload); ok {
		c.Payload = CreatePayload{Document: p.Document.Clone(), Folder: p.Folder.Clone()}
	}
	return &c
}

// Coalesce folds next into the operation already queued for the same key.
// It returns nil when the two cancel out (a record created and deleted
// before the server ever saw it).
func Coalesce(prev, next *PendingOperation) *PendingOperation {
	if prev == nil {
		return next
	}
	out := next.Clone()
	switch prev.Kind() {
	case OpCreate:
		switch next.Kind() {
		case OpUpdate:
			create := prev.Payload.(CreatePayload)
			diff := next.Payload.(UpdatePayload).Diff
			merged := CreatePayload{}
			if create.Document != nil {
				doc := create.Document.Clone()
				diff.ApplyDocument(doc)
				merged.Document = doc
			}
			if create.Folder != nil {
				f := create.Folder.Clone()
				diff.ApplyFolder(f)
				merged.Folder = f
			}
			out.Payload = merged
		case OpDelete:
			return nil
		}
	case OpUpdate:
		if next.Kind() == OpUpdate {
			prevDiff := prev.Payload.(UpdatePayload).Diff
			out.Payload = UpdatePayload{Diff: prevDiff.Merge(next.Payload.(UpdatePayload).Diff)}
		}
	}
	out.RetryCount = 0
	return out
}

// operationJSON is the persisted form; the payload is decoded by kind.
type operationJSON struct {
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	Entity     EntityKind      `json:"entity"`
	TargetID   string          `json:"target_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retry_count"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (op PendingOperation) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if op.Payload != nil {
		b, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", op.Kind(), err)
		}
		raw = b
	}
	return json.Marshal(operationJSON{
		ID:         op.ID,
		Kind:       op.Kind(),
		Entity:     op.Entity,
		TargetID:   op.TargetID,
		Payload:    raw,
		RetryCount: op.RetryCount,
		Seq:        op.Seq,
		CreatedAt:  op.CreatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *PendingOperation) UnmarshalJSON(data []byte) error {
	var w operationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload Payload
	switch w.Kind {
	case OpCreate:
		var p CreatePayload
		if err := unmarshalPayload(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case OpUpdate:
		var p UpdatePayload
		if err := unmarshalPayload(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case OpDelete:
		payload = DeletePayload{}
	default:
		return fmt.Errorf("unknown operation kind: %q", w.Kind)
	}

	*op = PendingOperation{
		ID:         w.ID,
		Entity:     w.Entity,
		TargetID:   w.TargetID,
		Payload:    payload,
		RetryCount: w.RetryCount,
		Seq:        w.Seq,
		CreatedAt:  w.CreatedAt,
	}
	return nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
