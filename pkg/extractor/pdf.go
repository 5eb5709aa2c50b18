package extractor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// pdfExtractor walks every page of a PDF and concatenates its plain text,
// grounded on github.com/ledongthuc/pdf's GetPlainText helper (the same
// PDF library the pack's other document-ingestion repos reach for rather
// than a hand-rolled parser).
type pdfExtractor struct{}

func (pdfExtractor) Extract(_ context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("buffer pdf text: %w", err)
	}
	return buf.String(), nil
}
