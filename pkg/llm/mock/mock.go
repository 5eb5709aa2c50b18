// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed scripted responses (by call index or a
// single fixed response) without a live LLM backend.
package mock

import (
	"context"
	"sync"

	"github.com/IANTHEREAL/narrative-knowledge/pkg/llm"
)

// Call records a single invocation of Generate.
type Call struct {
	Prompt    string
	MaxTokens int
}

// Provider is a mock implementation of llm.Provider.
//
// If Responses is non-empty, calls are served from it in order (by call
// index, clamped to the last entry once exhausted); otherwise every call
// returns Response, Err.
type Provider struct {
	mu sync.Mutex

	Response  string
	Err       error
	Responses []string

	Calls []Call
}

var _ llm.Provider = (*Provider)(nil)

// Generate implements llm.Provider.
func (p *Provider) Generate(_ context.Context, prompt string, maxTokens int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Prompt: prompt, MaxTokens: maxTokens})

	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Responses) > 0 {
		idx := len(p.Calls) - 1
		if idx >= len(p.Responses) {
			idx = len(p.Responses) - 1
		}
		return p.Responses[idx], nil
	}
	return p.Response, nil
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
