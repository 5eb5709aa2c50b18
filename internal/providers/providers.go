// Package providers implements the Provider Registry (spec.md §1/§6's
// external LLM/embedding interfaces, SPEC_FULL.md §4.I): it turns a
// config.ProviderEntry into a concrete llm.Provider or embeddings.Provider,
// reading API keys from the named environment variable. Grounded on the
// teacher's internal/config.Registry + pkg/provider/llm family, narrowed to
// the handful of backends this repository's go.mod carries.
package providers

import (
	"fmt"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings"
	embopenai "github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings/openai"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/llm"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/llm/anyllm"
	llmopenai "github.com/IANTHEREAL/narrative-knowledge/pkg/llm/openai"
)

// apiKey reads entry's API key environment variable, returning "" when
// unset so adapters fall back to their own provider-default variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, …) the way the teacher's anyllm
// adapter documents.
func apiKey(entry config.ProviderEntry) string {
	if entry.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(entry.APIKeyEnv)
}

// NewLLM constructs an llm.Provider from entry. "openai" uses the direct
// OpenAI chat-completions adapter; any other name (anthropic, gemini,
// ollama, or an operator-supplied OpenAI-compatible gateway name) is routed
// through the any-llm-go-backed adapter, matching
// internal/config.ValidLLMProviderNames.
func NewLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, fmt.Errorf("providers: llm provider name is required")
	}
	key := apiKey(entry)

	if entry.Name == "openai" {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(key, entry.Model, opts...)
	}

	var anyOpts []anyllmlib.Option
	if key != "" {
		anyOpts = append(anyOpts, anyllmlib.WithAPIKey(key))
	}
	if entry.BaseURL != "" {
		anyOpts = append(anyOpts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, anyOpts...)
}

// NewCritics builds the named critic LLM pool the Quality Optimizer's
// critic evaluation stage (spec.md §4.H point 3) votes across, keyed by
// provider name.
func NewCritics(entries []config.ProviderEntry) (map[string]llm.Provider, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]llm.Provider, len(entries))
	for _, e := range entries {
		p, err := NewLLM(e)
		if err != nil {
			return nil, fmt.Errorf("providers: critic %q: %w", e.Name, err)
		}
		out[e.Name] = p
	}
	return out, nil
}

// NewEmbeddings constructs an embeddings.Provider from entry. Only "openai"
// is wired, matching internal/config.ValidEmbeddingsProviderNames.
func NewEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	if entry.Name == "" {
		return nil, fmt.Errorf("providers: embeddings provider name is required")
	}
	key := apiKey(entry)
	var opts []embopenai.Option
	if entry.BaseURL != "" {
		opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
	}
	return embopenai.New(key, entry.Model, opts...)
}
