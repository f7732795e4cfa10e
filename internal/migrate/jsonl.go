// Package migrate exports and imports document metadata as JSONL.
//
// One record per line, folders before documents:
//
//	{"kind":"folder","folder":{...}}
//	{"kind":"document","document":{...}}
//
// Exports carry metadata only. Page image references are written as they
// are; a file:// reference is meaningful only on the device that wrote it.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// RecordKind distinguishes the two record types.
type RecordKind string

const (
	KindFolder   RecordKind = "folder"
	KindDocument RecordKind = "document"
)

// Record is one JSONL line.
type Record struct {
	Kind     RecordKind       `json:"kind"`
	Folder   *schema.Folder   `json:"folder,omitempty"`
	Document *schema.Document `json:"document,omitempty"`
}

// Validate checks that the record carries the payload its kind names.
func (r *Record) Validate() error {
	switch r.Kind {
	case KindFolder:
		if r.Folder == nil {
			return fmt.Errorf("folder record without folder")
		}
		r.Folder.SetDefaults()
		return r.Folder.Validate()
	case KindDocument:
		if r.Document == nil {
			return fmt.Errorf("document record without document")
		}
		r.Document.SetDefaults()
		return r.Document.Validate()
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Folders       int
	Documents     int
	BackupCreated string
}

// Export writes folders then documents to w. Sync status is stripped; it
// describes this device's relationship with the server, not the document.
func Export(w io.Writer, folders []*schema.Folder, docs []*schema.Document) (*ExportResult, error) {
	result := &ExportResult{}
	enc := json.NewEncoder(w)

	for _, f := range orderFolders(folders) {
		c := f.Clone()
		c.SyncStatus = ""
		if err := enc.Encode(Record{Kind: KindFolder, Folder: c}); err != nil {
			return nil, fmt.Errorf("failed to write folder %s: %w", f.ID, err)
		}
		result.Folders++
	}

	sorted := append([]*schema.Document(nil), docs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, d := range sorted {
		c := d.Clone()
		c.SyncStatus = ""
		if err := enc.Encode(Record{Kind: KindDocument, Document: c}); err != nil {
			return nil, fmt.Errorf("failed to write document %s: %w", d.ID, err)
		}
		result.Documents++
	}
	return result, nil
}

// ExportFile writes an export to path atomically. With backup set, an
// existing file at path is copied aside first.
func ExportFile(path string, backup bool, folders []*schema.Folder, docs []*schema.Document) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	var backupPath string
	if backup {
		// #nosec G304 - controlled path from CLI
		if existing, err := os.ReadFile(path); err == nil {
			backupPath = path + ".backup." + time.Now().Format("20060102-150405")
			if err := os.WriteFile(backupPath, existing, 0600); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
		}
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	bw := bufio.NewWriter(f)
	result, err := Export(bw, folders, docs)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	result.BackupCreated = backupPath
	return result, nil
}

// orderFolders sorts folders so every parent precedes its children.
// Folders whose parent is not in the set are treated as roots.
func orderFolders(folders []*schema.Folder) []*schema.Folder {
	byID := make(map[string]*schema.Folder, len(folders))
	children := make(map[string][]*schema.Folder)
	for _, f := range folders {
		byID[f.ID] = f
	}
	var roots []*schema.Folder
	for _, f := range folders {
		if _, ok := byID[f.ParentID]; ok && f.ParentID != "" {
			children[f.ParentID] = append(children[f.ParentID], f)
		} else {
			roots = append(roots, f)
		}
	}

	byName := func(list []*schema.Folder) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Name != list[j].Name {
				return list[i].Name < list[j].Name
			}
			return list[i].ID < list[j].ID
		})
	}

	out := make([]*schema.Folder, 0, len(folders))
	seen := make(map[string]bool, len(folders))
	var walk func(list []*schema.Folder)
	walk = func(list []*schema.Folder) {
		byName(list)
		for _, f := range list {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			out = append(out, f)
			walk(children[f.ID])
		}
	}
	walk(roots)

	// Cycles have no root; emit them last so nothing is lost.
	var rest []*schema.Folder
	for _, f := range folders {
		if !seen[f.ID] {
			rest = append(rest, f)
		}
	}
	walk(rest)
	return out
}

// ReadResult is what Read recovered from a stream.
type ReadResult struct {
	Records []Record
	// Errors lists lines that were skipped, with their line numbers.
	Errors []string
}

// maxLine bounds a single JSONL record.
const maxLine = 4 << 20

// Read parses JSONL from r. Malformed or invalid lines are skipped and
// reported in Errors; only an I/O failure returns an error.
func Read(r io.Reader) (*ReadResult, error) {
	result := &ReadResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLine)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		result.Records = append(result.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return result, nil
}

// Sink receives imported records. The engine implements it so that every
// import is applied optimistically and queued for upload.
type Sink interface {
	HasFolder(id string) bool
	HasDocument(id string) bool
	ImportFolder(ctx context.Context, f *schema.Folder) error
	ImportDocument(ctx context.Context, d *schema.Document) error
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	DryRun bool // Count what would be imported without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	FoldersImported   int
	DocumentsImported int
	Skipped           int
	Errors            []string
}

// Import reads path and hands every record not already present to sink.
// Imported records get fresh provisional ids: the server has never seen
// them under this account. Folder references are remapped to the new ids;
// a reference to a folder that is neither imported nor present locally is
// cleared.
func Import(ctx context.Context, path string, sink Sink, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	read, err := Read(file)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{Errors: read.Errors}

	var folders []*schema.Folder
	var docs []*schema.Document
	for _, rec := range read.Records {
		switch rec.Kind {
		case KindFolder:
			folders = append(folders, rec.Folder)
		case KindDocument:
			docs = append(docs, rec.Document)
		}
	}

	folderIDs := make(map[string]string)
	resolveFolder := func(id string) string {
		if id == "" {
			return ""
		}
		if mapped, ok := folderIDs[id]; ok {
			return mapped
		}
		if sink.HasFolder(id) {
			return id
		}
		return ""
	}

	for _, f := range orderFolders(folders) {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if sink.HasFolder(f.ID) {
			folderIDs[f.ID] = f.ID
			result.Skipped++
			continue
		}
		c := f.Clone()
		c.ID = schema.NewProvisionalID()
		c.ParentID = resolveFolder(f.ParentID)
		c.SyncStatus = schema.StatusLocal
		folderIDs[f.ID] = c.ID

		if !opts.DryRun {
			if err := sink.ImportFolder(ctx, c); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to import folder %s: %v", f.ID, err))
				delete(folderIDs, f.ID)
				continue
			}
		}
		result.FoldersImported++
	}

	for _, d := range docs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if sink.HasDocument(d.ID) {
			result.Skipped++
			continue
		}
		c := d.Clone()
		c.ID = schema.NewProvisionalID()
		c.FolderID = resolveFolder(d.FolderID)
		c.SyncStatus = schema.StatusLocal

		if !opts.DryRun {
			if err := sink.ImportDocument(ctx, c); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to import document %s: %v", d.ID, err))
				continue
			}
		}
		result.DocumentsImported++
	}

	return result, nil
}
