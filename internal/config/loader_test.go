package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
)

const validYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
    model: gpt-4o-mini
  embeddings:
    name: openai
store:
  local_database_uri: "postgres://localhost/narrative"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Providers.LLM.Name)
	assert.Equal(t, 60, cfg.Scheduler.CheckIntervalSeconds)
	assert.Equal(t, 0.9, cfg.Optimizer.ConfidenceThreshold)
}

func TestLoadFromReader_MissingRequiredFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "providers.llm.name is required")
	assert.ErrorContains(t, err, "store.local_database_uri is required")
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  bogus_field: 1\n"))
	require.Error(t, err)
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(strings.Replace(validYAML, "log_level: debug", "log_level: loud", 1)))
	require.Error(t, err)
}
