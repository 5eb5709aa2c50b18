// Package optimizer implements the Quality Optimizer (spec.md §4.H): a
// four-stage pipeline — graph retrieval, issue detection, critic
// evaluation, and issue processing — that runs independently against a
// tenant store to find and repair redundancy and quality defects in an
// already-built narrative knowledge graph. Grounded on
// original_source/opt/optimizer.py's resolver functions and
// original_source/opt/evaluator.py's critic-evaluation loop, adapted to
// this repository's Postgres schema and to Go's errgroup-based
// bounded-concurrency idiom used throughout internal/graphbuilder.
package optimizer

import (
	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/observe"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/llm"
)

// Optimizer runs the four-stage pipeline against one tenant store at a
// time. Critics holds one named LLM per configured critic voter
// (config.ProvidersConfig.Critics); every configured critic votes on every
// issue before it becomes eligible for processing.
type Optimizer struct {
	LLM        llm.Provider
	Critics    map[string]llm.Provider
	Embeddings embeddings.Provider
	Metrics    *observe.Metrics
	Config     config.OptimizerConfig
}

// New constructs an Optimizer, applying the documented defaults to a
// zero-valued cfg.
func New(llmClient llm.Provider, critics map[string]llm.Provider, embedder embeddings.Provider, cfg config.OptimizerConfig) *Optimizer {
	if cfg.MaxConcurrentIssues <= 0 {
		cfg.MaxConcurrentIssues = 4
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.9
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.3
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 30
	}
	if cfg.StateFilePath == "" {
		cfg.StateFilePath = "./optimizer-state.json"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Optimizer{
		LLM:        llmClient,
		Critics:    critics,
		Embeddings: embedder,
		Metrics:    observe.DefaultMetrics(),
		Config:     cfg,
	}
}

// RetrievedGraph is graph retrieval's output: the subgraph the detection
// stage reasons over.
type RetrievedGraph struct {
	Entities      []model.Entity
	Relationships []model.Relationship
}

// Result tallies one Run call, returned for logging/metrics.
type Result struct {
	IssuesDetected  int
	CriticsRun      int
	IssuesProcessed int
	IssuesResolved  int
	IssuesFailed    int
}

// concurrency returns the configured worker-pool bound, defaulting
// to 4 (spec.md §4.H's OptimizationConfig.processing_config.max_concurrent_issues).
func (o *Optimizer) concurrency() int {
	if o.Config.MaxConcurrentIssues <= 0 {
		return 4
	}
	return o.Config.MaxConcurrentIssues
}
