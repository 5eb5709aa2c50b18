// Package extractor turns a file on disk into plain text plus its inferred
// MIME type, for the four file kinds the Knowledge Builder accepts
// (spec.md §6: .pdf, .md, .txt, .sql). It is the external collaborator
// spec.md §1 calls "File-format extractors", consumed through ExtractContent
// so the ingestion pipeline never branches on file extension itself.
package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
)

// Extractor produces plain text from the file at path. Implementations may
// do format-specific work (PDF page walking, encoding detection); all of it
// stays behind this one method so the caller only ever sees text.
type Extractor interface {
	Extract(ctx context.Context, path string) (text string, err error)
}

// mimeByExt is the closed extension→MIME map spec.md §4.B mandates.
// Unrecognized extensions map to application/octet-stream.
var mimeByExt = map[string]string{
	".pdf":      "application/pdf",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".sql":      "text/sql",
}

// MIMEForExt returns the closed-map MIME type for ext (which may or may not
// include the leading dot), or "application/octet-stream" for anything not
// in the accepted set.
func MIMEForExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if mime, ok := mimeByExt[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// AllowedExtensions is the closed set of extensions the Knowledge Builder's
// upload precondition (spec.md §4.D) accepts.
var AllowedExtensions = []string{".pdf", ".md", ".txt", ".sql"}

// IsAllowedExtension reports whether ext is in AllowedExtensions.
func IsAllowedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, a := range AllowedExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

// Registry dispatches Extract calls to a per-extension Extractor.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry builds the default registry: plain reads for txt/md/sql, and
// a PDF page-text walker for pdf.
func NewRegistry() *Registry {
	plain := plainTextExtractor{}
	return &Registry{
		byExt: map[string]Extractor{
			".txt":      plain,
			".md":       plain,
			".markdown": plain,
			".sql":      plain,
			".pdf":      pdfExtractor{},
		},
	}
}

// Register installs or overrides the Extractor used for ext, letting
// callers swap in a different PDF backend or add formats beyond the
// documented closed set without touching this package.
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[strings.ToLower(ext)] = e
}

// ExtractContent resolves path's extension to a registered Extractor, runs
// it, and returns (mime, text). Matches spec.md §1's
// "ExtractContent(path) -> (mime, text)" external interface exactly.
func (r *Registry) ExtractContent(ctx context.Context, path string) (mime, text string, err error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := r.byExt[ext]
	if !ok {
		return "", "", fmt.Errorf("extractor: %s: %w", ext, ierrors.ErrUnsupportedSourceType)
	}
	text, err = e.Extract(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("extractor: %s: %w: %w", path, err, ierrors.ErrExtractionFailed)
	}
	return MIMEForExt(ext), text, nil
}
