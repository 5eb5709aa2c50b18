package providers_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
	"github.com/IANTHEREAL/narrative-knowledge/internal/providers"
)

func TestNewLLM_RequiresName(t *testing.T) {
	_, err := providers.NewLLM(config.ProviderEntry{})
	require.Error(t, err)
}

func TestNewLLM_OpenAIRequiresModel(t *testing.T) {
	_, err := providers.NewLLM(config.ProviderEntry{Name: "openai"})
	require.Error(t, err)
}

func TestNewLLM_OpenAIAdapter(t *testing.T) {
	p, err := providers.NewLLM(config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini", APIKeyEnv: "DOES_NOT_EXIST"})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNewLLM_AnyLLMBackendUnsupportedName(t *testing.T) {
	_, err := providers.NewLLM(config.ProviderEntry{Name: "not-a-real-backend", Model: "whatever"})
	require.Error(t, err)
}

func TestNewLLM_AnyLLMBackendOllama(t *testing.T) {
	p, err := providers.NewLLM(config.ProviderEntry{Name: "ollama", Model: "llama3"})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNewCritics_EmptyReturnsNil(t *testing.T) {
	critics, err := providers.NewCritics(nil)
	require.NoError(t, err)
	require.Nil(t, critics)
}

func TestNewCritics_BuildsNamedPool(t *testing.T) {
	critics, err := providers.NewCritics([]config.ProviderEntry{
		{Name: "openai", Model: "gpt-4o-mini"},
		{Name: "ollama", Model: "llama3"},
	})
	require.NoError(t, err)
	require.Len(t, critics, 2)
	require.Contains(t, critics, "openai")
	require.Contains(t, critics, "ollama")
}

func TestNewEmbeddings_RequiresName(t *testing.T) {
	_, err := providers.NewEmbeddings(config.ProviderEntry{})
	require.Error(t, err)
}

func TestNewEmbeddings_OpenAIAdapter(t *testing.T) {
	p, err := providers.NewEmbeddings(config.ProviderEntry{Name: "openai", Model: "text-embedding-3-small"})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Greater(t, p.Dimensions(), 0)
}
