// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings.Provider. Embed returns a deterministic
// vector derived from the text length so tests can assert stability without
// depending on a real model; set Vector to override, or Err to force a
// failure.
type Provider struct {
	mu sync.Mutex

	Vector []float32
	Err    error
	Dims   int

	Calls []string
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, text)

	if p.Err != nil {
		return nil, p.Err
	}
	if p.Vector != nil {
		return p.Vector, nil
	}

	dims := p.Dims
	if dims == 0 {
		dims = 8
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32((len(text) + i) % 97)
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}
