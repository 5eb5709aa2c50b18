package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	"github.com/IANTHEREAL/narrative-knowledge/internal/tokencount"
)

// generate wraps a single LLM call with metrics and tokencount warnings,
// mirroring internal/graphbuilder.Builder.generate.
func (o *Optimizer) generate(ctx context.Context, prompt string, maxTokens int, stage string) (string, error) {
	if tokencount.ExceedsWarningThreshold(prompt) {
		slog.Warn("optimizer: prompt exceeds token warning threshold", "stage", stage, "estimated_tokens", tokencount.Estimate(prompt))
	}
	resp, err := o.LLM.Generate(ctx, prompt, maxTokens)
	if err != nil {
		if o.Metrics != nil {
			o.Metrics.RecordLLMError(ctx, stage)
		}
		return "", fmt.Errorf("%w: %w", err, ierrors.ErrLLM)
	}
	return resp, nil
}

// Run executes one pass of the four-stage pipeline (spec.md §4.H) against
// tenantStore, scoped to topic. query seeds the retrieval stage's vector
// search; callers typically pass the topic name itself, giving the
// optimizer a stable, repeatable subgraph to examine run over run.
func (o *Optimizer) Run(ctx context.Context, tenantStore *store.Store, topic, query string) (Result, error) {
	var result Result

	issues, err := loadState(o.Config.StateFilePath)
	if err != nil {
		return result, fmt.Errorf("%w: %w", err, ierrors.ErrOptimizer)
	}

	graph, err := o.retrieve(ctx, tenantStore, topic, query)
	if err != nil {
		return result, fmt.Errorf("%w: %w", err, ierrors.ErrOptimizer)
	}

	if o.detectionGateOpen(issues) {
		detected, err := o.detect(ctx, graph)
		if err != nil {
			return result, fmt.Errorf("%w: %w", err, ierrors.ErrOptimizer)
		}
		for _, d := range detected {
			issues = upsertIssue(issues, d)
			if o.Metrics != nil {
				o.Metrics.RecordIssueDetected(ctx, string(d.IssueType))
			}
		}
		result.IssuesDetected = len(detected)
		if err := saveState(o.Config.StateFilePath, issues); err != nil {
			return result, err
		}
	}

	ran, err := o.critique(ctx, issues)
	if err != nil {
		return result, fmt.Errorf("%w: %w", err, ierrors.ErrOptimizer)
	}
	result.CriticsRun = ran
	if err := saveState(o.Config.StateFilePath, issues); err != nil {
		return result, err
	}

	byType := make(map[model.IssueType][]int)
	for i, is := range issues {
		if is.IsResolved || is.ValidationScore < o.Config.ConfidenceThreshold {
			continue
		}
		byType[is.IssueType] = append(byType[is.IssueType], i)
	}

	for issueType, idxs := range byType {
		resolver := o.resolverFor(issueType)
		if resolver == nil {
			slog.Warn("optimizer: no resolver for issue type", "issue_type", issueType)
			continue
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(o.concurrency())

		var mu sync.Mutex
		for _, idx := range idxs {
			idx := idx
			eg.Go(func() error {
				mu.Lock()
				result.IssuesProcessed++
				mu.Unlock()

				resolved, err := resolver(egCtx, tenantStore, &issues[idx])

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					slog.Warn("optimizer: resolver failed", "issue_key", issues[idx].Key(), "err", err)
					result.IssuesFailed++
					return nil
				}
				if resolved {
					issues[idx].IsResolved = true
					result.IssuesResolved++
					if o.Metrics != nil {
						o.Metrics.RecordIssueResolved(egCtx, string(issueType))
					}
				}
				return nil
			})
		}
		_ = eg.Wait()

		if err := saveState(o.Config.StateFilePath, issues); err != nil {
			return result, err
		}
	}

	return result, nil
}

// resolverFn resolves a single issue against tenantStore, returning whether
// it was actually resolved (false for a deliberate no-op skip, per spec.md
// §5's "treat as a skipped issue, not an error" rule) or an error for
// anything else.
type resolverFn func(ctx context.Context, tenantStore *store.Store, issue *model.Issue) (bool, error)

func (o *Optimizer) resolverFor(t model.IssueType) resolverFn {
	switch t {
	case model.IssueEntityQuality:
		return o.resolveEntityQuality
	case model.IssueRedundancyEntity:
		return o.resolveRedundancyEntity
	case model.IssueRelationshipQuality:
		return o.resolveRelationshipQuality
	case model.IssueRedundancyRelationship:
		return o.resolveRedundancyRelationship
	default:
		return nil
	}
}
