package extractor

import (
	"context"
	"os"
)

// plainTextExtractor reads a file verbatim as UTF-8 text. Used for .txt,
// .md, and .sql — none of these need format-specific parsing to surface
// their text; markdown heading/code-fence structure and SQL statement
// boundaries are recovered later by internal/blocksplit.
type plainTextExtractor struct{}

func (plainTextExtractor) Extract(_ context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
