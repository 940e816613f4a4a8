// Package sink appends index documents to a durable newline-delimited JSON
// log. The file is append-only and never rewritten, so it is safe to tail;
// corrections are expressed as new documents, never in-place updates.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apirutv/server-vision-pipeline/internal/indexer/document"
	apperrors "github.com/apirutv/server-vision-pipeline/pkg/errors"
)

// Writer appends one JSON document per line to the sink file.
type Writer struct {
	path string
	f    *os.File
	enc  *json.Encoder
}

// Open opens (or creates) the sink file for appending.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, f: f, enc: enc}, nil
}

// Append writes one document as a single NDJSON line.
func (w *Writer) Append(doc *document.Document) error {
	if w.f == nil {
		return apperrors.New(apperrors.ErrSinkClosed, w.path)
	}
	if err := w.enc.Encode(doc); err != nil {
		return fmt.Errorf("appending to sink %s: %w", w.path, err)
	}
	return nil
}

// Path returns the sink file location.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the sink file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
