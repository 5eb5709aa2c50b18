// Package embeddings defines the narrow interface narrative-knowledge's core
// consumes from whatever embedding backend is configured.
package embeddings

import "context"

// Provider computes vector embeddings for text. Matches spec.md §1's
// external interface "Embed(text) -> vector<float32>".
type Provider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed vector width this provider produces, used
	// to size pgvector columns at migration time.
	Dimensions() int
}
