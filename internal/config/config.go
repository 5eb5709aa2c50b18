// Package config defines narrative-knowledge's YAML-driven configuration,
// in the manner of internal/config in the teacher: struct tags, a
// Load/Validate pair, and slog.Warn for soft configuration concerns.
package config

// LogLevel is the closed set of accepted slog levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// ServerConfig holds process-wide server settings.
type ServerConfig struct {
	// LogLevel controls the slog handler's minimum level. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// HTTPAddr is the bind address for the HTTP adapter (component 4.L).
	HTTPAddr string `yaml:"http_addr"`

	// MetricsAddr is the bind address the Prometheus /metrics endpoint is
	// served from.
	MetricsAddr string `yaml:"metrics_addr"`

	// UploadDir is the root directory uploaded files are written under,
	// following the UPLOAD_DIR/<topic_name>/<filename>/<filename> layout
	// from spec.md §6.
	UploadDir string `yaml:"upload_dir"`
}

// ProviderEntry names a provider and carries its backend-specific settings.
type ProviderEntry struct {
	// Name selects the adapter: for LLM, one of openai/anyllm-backed names
	// (openai, anthropic, gemini, ollama); for embeddings, openai.
	Name string `yaml:"name"`

	// Model is the backend-specific model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable the API key is read from.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API base URL, for
	// OpenAI-compatible gateways and self-hosted backends.
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig groups the LLM and embeddings provider selections.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Embeddings ProviderEntry `yaml:"embeddings"`

	// Critics are additional LLM providers the Quality Optimizer's critic
	// evaluation stage votes across (spec.md §4.H).
	Critics []ProviderEntry `yaml:"critics"`
}

// StoreConfig configures the Store Registry (component 4.A).
type StoreConfig struct {
	// LocalDatabaseURI is the scheduler-owned database holding the
	// canonical GraphBuildStatus queue and the default tenant's graph
	// tables.
	LocalDatabaseURI string `yaml:"local_database_uri"`

	// MaxConnsPerTenant bounds each tenant's connection pool size.
	MaxConnsPerTenant int32 `yaml:"max_conns_per_tenant"`
}

// SchedulerConfig configures the Build Scheduler daemon (component 4.G).
type SchedulerConfig struct {
	// CheckIntervalSeconds is the poll period between scheduler runs, in seconds.
	// Default: 60.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	// MaxRetries bounds the retry count the scheduler's own tooling uses;
	// spec.md §4.G notes there is no automatic retry from failed, so this
	// is informational/reserved for operational tooling.
	MaxRetries int `yaml:"max_retries"`
}

// OptimizerConfig mirrors spec.md §4.H's OptimizationConfig.
type OptimizerConfig struct {
	MaxConcurrentIssues int     `yaml:"max_concurrent_issues"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	TopK                int     `yaml:"top_k"`
	StateFilePath       string  `yaml:"state_file_path"`
	MaxRetries          int     `yaml:"max_retries"`
}

// Config is the root configuration object, decoded from a single YAML file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogLevelInfo
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "./uploads"
	}
	if c.Store.MaxConnsPerTenant <= 0 {
		c.Store.MaxConnsPerTenant = 10
	}
	if c.Scheduler.CheckIntervalSeconds <= 0 {
		c.Scheduler.CheckIntervalSeconds = 60
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = 3
	}
	if c.Optimizer.MaxConcurrentIssues <= 0 {
		c.Optimizer.MaxConcurrentIssues = 4
	}
	if c.Optimizer.ConfidenceThreshold <= 0 {
		c.Optimizer.ConfidenceThreshold = 0.9
	}
	if c.Optimizer.SimilarityThreshold <= 0 {
		c.Optimizer.SimilarityThreshold = 0.3
	}
	if c.Optimizer.TopK <= 0 {
		c.Optimizer.TopK = 30
	}
	if c.Optimizer.StateFilePath == "" {
		c.Optimizer.StateFilePath = "./optimizer-state.json"
	}
	if c.Optimizer.MaxRetries <= 0 {
		c.Optimizer.MaxRetries = 3
	}
}
