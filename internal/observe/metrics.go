// Package observe provides narrative-knowledge's observability primitives:
// a StartSpan helper for OpenTelemetry tracing spans (no pipeline stage
// calls it), and OpenTelemetry counters/gauges/histograms, exported through
// Prometheus, for scheduler and optimizer throughput, grounded on the
// teacher's internal/observe package.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/IANTHEREAL/narrative-knowledge"

// Metrics holds all OpenTelemetry metric instruments the build scheduler and
// quality optimizer report to. All fields are safe for concurrent use — the
// underlying OTel types handle their own synchronisation.
type Metrics struct {
	// GraphBuildJobs counts scheduler job completions. Use with attribute
	// status ∈ {completed, failed}.
	GraphBuildJobs metric.Int64Counter

	// GraphBuildActiveJobs tracks jobs currently being processed by the
	// scheduler (0 or 1 by construction, since the scheduler runs one job
	// at a time).
	GraphBuildActiveJobs metric.Int64UpDownCounter

	// GraphBuildDuration tracks the wall-clock time of one scheduler job.
	GraphBuildDuration metric.Float64Histogram

	// OptimizerIssuesDetected counts issues surfaced by the detection
	// stage. Use with attribute "type" set to the IssueType.
	OptimizerIssuesDetected metric.Int64Counter

	// OptimizerIssuesResolved counts issues a resolver successfully
	// processed. Use with attribute "type".
	OptimizerIssuesResolved metric.Int64Counter

	// LLMDuration tracks LLM call latency across all pipeline stages. Use
	// with attribute "stage".
	LLMDuration metric.Float64Histogram

	// LLMErrors counts failed LLM calls. Use with attribute "stage".
	LLMErrors metric.Int64Counter
}

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// NewMetrics creates a fully initialised Metrics struct using the given
// metric.MeterProvider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GraphBuildJobs, err = m.Int64Counter("narrative_knowledge.graphbuild.jobs",
		metric.WithDescription("Total build-scheduler jobs by terminal status.")); err != nil {
		return nil, err
	}
	if met.GraphBuildActiveJobs, err = m.Int64UpDownCounter("narrative_knowledge.graphbuild.active_jobs",
		metric.WithDescription("Number of build-scheduler jobs currently processing.")); err != nil {
		return nil, err
	}
	if met.GraphBuildDuration, err = m.Float64Histogram("narrative_knowledge.graphbuild.duration",
		metric.WithDescription("Wall-clock duration of one scheduler job."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.OptimizerIssuesDetected, err = m.Int64Counter("narrative_knowledge.optimizer.issues_detected",
		metric.WithDescription("Total quality issues detected, by issue type.")); err != nil {
		return nil, err
	}
	if met.OptimizerIssuesResolved, err = m.Int64Counter("narrative_knowledge.optimizer.issues_resolved",
		metric.WithDescription("Total quality issues resolved, by issue type.")); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("narrative_knowledge.llm.duration",
		metric.WithDescription("Latency of LLM calls by pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.LLMErrors, err = m.Int64Counter("narrative_knowledge.llm.errors",
		metric.WithDescription("Total failed LLM calls by pipeline stage.")); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, creating it on
// first call using otel.GetMeterProvider. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordBuildJob records a terminal scheduler job outcome.
func (m *Metrics) RecordBuildJob(ctx context.Context, status string) {
	m.GraphBuildJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordIssueDetected records one detected issue of the given type.
func (m *Metrics) RecordIssueDetected(ctx context.Context, issueType string) {
	m.OptimizerIssuesDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", issueType)))
}

// RecordIssueResolved records one resolved issue of the given type.
func (m *Metrics) RecordIssueResolved(ctx context.Context, issueType string) {
	m.OptimizerIssuesResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("type", issueType)))
}

// RecordLLMError records one failed LLM call for the given stage.
func (m *Metrics) RecordLLMError(ctx context.Context, stage string) {
	m.LLMErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
