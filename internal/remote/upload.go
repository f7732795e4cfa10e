package remote

import (
	"github.com/scanvault/docsync/internal/schema"
)

// ImageResolver returns the bytes behind a local page reference.
type ImageResolver func(ref string) ([]byte, error)

// DocumentUploadFrom builds a create body from a full document snapshot.
// See UploadPages for how images are attached.
func DocumentUploadFrom(doc *schema.Document, resolve ImageResolver) (DocumentUpload, []string) {
	up, missing := DiffUpload(schema.DocumentDiff(doc), resolve)
	created, updated := doc.CreatedAt, doc.UpdatedAt
	up.CreatedAt = &created
	up.UpdatedAt = &updated
	return up, missing
}

// DiffUpload builds an update body carrying only the fields set in diff.
func DiffUpload(diff schema.FieldDiff, resolve ImageResolver) (DocumentUpload, []string) {
	up := DocumentUpload{
		Name:      diff.Name,
		FolderID:  diff.FolderID,
		Tags:      diff.Tags,
		Type:      diff.Type,
		Protected: diff.Protected,
	}
	var missing []string
	if diff.Pages != nil {
		var pages []UploadPage
		pages, missing = UploadPages(*diff.Pages, resolve)
		up.Pages = &pages
	}
	return up, missing
}

// UploadPages resolves local image references into inline bytes. Local
// references themselves are not sent; the server has no use for device
// paths. A page whose blob cannot be resolved goes out without an image
// and its reference is returned in missing.
func UploadPages(pages []schema.Page, resolve ImageResolver) (out []UploadPage, missing []string) {
	out = make([]UploadPage, len(pages))
	for i, p := range pages {
		up := UploadPage{Page: p}
		if schema.IsLocalRef(p.ImageRef) {
			up.ImageRef = ""
			if data, err := resolve(p.ImageRef); err == nil {
				up.ImageData = data
			} else {
				missing = append(missing, p.ImageRef)
			}
		}
		if schema.IsLocalRef(p.OriginalRef) {
			up.OriginalRef = ""
			if data, err := resolve(p.OriginalRef); err == nil {
				up.OriginalData = data
			} else {
				missing = append(missing, p.OriginalRef)
			}
		}
		out[i] = up
	}
	return out, missing
}

// FolderUploadFrom builds a folder body from a diff.
func FolderUploadFrom(diff schema.FieldDiff) FolderUpload {
	return FolderUpload{
		Name:      diff.Name,
		Color:     diff.Color,
		ParentID:  diff.ParentID,
		Protected: diff.Protected,
	}
}
