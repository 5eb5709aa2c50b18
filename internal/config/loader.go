package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviderNames lists the llm.Provider adapters this repository
// wires up, used by Validate to warn about unrecognised provider names.
var ValidLLMProviderNames = []string{"openai", "anthropic", "gemini", "ollama"}

// ValidEmbeddingsProviderNames lists the embeddings.Provider adapters this
// repository wires up.
var ValidEmbeddingsProviderNames = []string{"openai"}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; soft concerns are
// logged via slog.Warn instead of failing the load.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	} else if !contains(ValidLLMProviderNames, cfg.Providers.LLM.Name) {
		slog.Warn("unknown llm provider name — may be a typo or third-party provider",
			"name", cfg.Providers.LLM.Name, "known", ValidLLMProviderNames)
	}

	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	} else if !contains(ValidEmbeddingsProviderNames, cfg.Providers.Embeddings.Name) {
		slog.Warn("unknown embeddings provider name — may be a typo or third-party provider",
			"name", cfg.Providers.Embeddings.Name, "known", ValidEmbeddingsProviderNames)
	}

	if cfg.Store.LocalDatabaseURI == "" {
		errs = append(errs, errors.New("store.local_database_uri is required"))
	}

	if cfg.Optimizer.ConfidenceThreshold < 0 || cfg.Optimizer.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("optimizer.confidence_threshold %.2f is out of range [0, 1]", cfg.Optimizer.ConfidenceThreshold))
	}
	if cfg.Optimizer.SimilarityThreshold < 0 || cfg.Optimizer.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("optimizer.similarity_threshold %.2f is out of range [0, 1]", cfg.Optimizer.SimilarityThreshold))
	}

	for i, critic := range cfg.Providers.Critics {
		if critic.Name == "" {
			errs = append(errs, fmt.Errorf("providers.critics[%d].name is required", i))
		}
	}

	return errors.Join(errs...)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
