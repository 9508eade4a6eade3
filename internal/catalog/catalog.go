// Package catalog writes the canonical event catalog consumed downstream.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"ecalsync/internal/model"
	"ecalsync/internal/normalize"
)

// SchemaVersion is bumped on any incompatible change to the catalog layout.
const SchemaVersion = "1"

var json = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// Catalog is the document written to disk. Run metadata lives only in the
// header so entries are byte-identical across runs over the same feed.
type Catalog struct {
	SchemaVersion   string               `json:"schema_version"`
	TaxonomyVersion string               `json:"taxonomy_version"`
	RunID           string               `json:"run_id"`
	GeneratedAt     time.Time            `json:"generated_at"`
	Source          string               `json:"source"`
	Entries         []model.CatalogEntry `json:"entries"`
}

// WriteError reports a failed catalog write; the previous catalog is left in
// place.
type WriteError struct {
	Path string
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write catalog %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer writes catalogs atomically to Path.
type Writer struct {
	Path string
	// Retention is how long removed entries remain visible after removal.
	Retention time.Duration

	rename func(oldpath, newpath string) error
}

func NewWriter(path string, retention time.Duration) *Writer {
	return &Writer{Path: path, Retention: retention, rename: os.Rename}
}

// Prepare drops removed entries past retention, sorts by start (ties by id)
// and stamps the schema version.
func (w *Writer) Prepare(c Catalog) Catalog {
	cutoff := c.GeneratedAt.Add(-w.Retention)
	kept := make([]model.CatalogEntry, 0, len(c.Entries))
	for _, e := range c.Entries {
		if e.Status == model.StatusRemoved && e.RemovedAt != nil && e.RemovedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	normalize.SortEntries(kept)
	c.Entries = kept
	c.SchemaVersion = SchemaVersion
	return c
}

// Write serializes c and replaces the file at w.Path via temp file, fsync
// and rename. On any error the old catalog is untouched.
func (w *Writer) Write(c Catalog) error {
	c = w.Prepare(c)

	data, err := json.MarshalIndent(&c, "", "  ")
	if err != nil {
		return &WriteError{Path: w.Path, Op: "encode", Err: err}
	}
	data = append(data, '\n')

	dir := filepath.Dir(w.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Path: w.Path, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".ecalsync-catalog-*.tmp")
	if err != nil {
		return &WriteError{Path: w.Path, Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &WriteError{Path: w.Path, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &WriteError{Path: w.Path, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: w.Path, Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &WriteError{Path: w.Path, Op: "chmod", Err: err}
	}
	rename := w.rename
	if rename == nil {
		rename = os.Rename
	}
	if err := rename(tmpName, w.Path); err != nil {
		return &WriteError{Path: w.Path, Op: "rename", Err: err}
	}
	return nil
}

// Read loads a catalog written by Write.
func Read(path string) (Catalog, error) {
	var c Catalog
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(data, &c)
	return c, err
}
