// Package llm defines the narrow interface narrative-knowledge's core
// consumes from whatever large-language-model backend is configured.
// Concrete adapters live in subpackages (openai, anyllm); tests use mock.
package llm

import "context"

// Provider generates text completions. It is deliberately narrower than the
// teacher's full chat-completion Provider interface (streaming, tool calls,
// capability negotiation): every call site in this repository needs only a
// single prompt-in/text-out round trip, matching spec.md §1's external
// interface "LLM.Generate(prompt, maxTokens) -> string".
type Provider interface {
	// Generate completes prompt, capped at maxTokens output tokens. ctx
	// carries the stage deadline; every LLM-driven stage in this repository
	// must pass a context with a bound on it.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}
