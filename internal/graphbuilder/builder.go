package graphbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/namesim"
	"github.com/IANTHEREAL/narrative-knowledge/internal/observe"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	"github.com/IANTHEREAL/narrative-knowledge/internal/tokencount"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/llm"
)

// Builder runs the extraction pipeline for one topic at a time. A Builder
// is stateless across calls to Build except for its collaborators; the
// per-build entity name cache lives on a throwaway buildRun value.
type Builder struct {
	LLM         llm.Provider
	Embeddings  embeddings.Provider
	Matcher     *namesim.Matcher
	Metrics     *observe.Metrics
	Concurrency int // bounded parallel LLM calls per stage; default 4
}

// New constructs a Builder with sensible defaults for Concurrency and the
// name-similarity Matcher.
func New(llmClient llm.Provider, embedder embeddings.Provider) *Builder {
	return &Builder{
		LLM:         llmClient,
		Embeddings:  embedder,
		Matcher:     namesim.New(),
		Metrics:     observe.DefaultMetrics(),
		Concurrency: 4,
	}
}

// buildRun holds the per-call mutable state: the name->id cache stage 4
// resolves entities against, guarded by a mutex since triplet
// materialization may run with bounded concurrency (spec.md §5).
type buildRun struct {
	mu     sync.Mutex
	byName map[string]*model.Entity // keyed by lowercased name
	names  []string                 // all known names, for namesim fallback
	topic  string
}

// Build runs the full per-topic pipeline against tenantStore: cognitive
// maps, blueprint synthesis (unless a latest one exists and
// forceRegenerate is false), triplet extraction, materialization, and
// reasoning enhancement. Documents that already have a SourceGraphMapping
// row are skipped entirely (spec.md §4.E stage 3's idempotency guard),
// making a repeated Build call over the same inputs a no-op.
func (b *Builder) Build(ctx context.Context, tenantStore *store.Store, topic string, docs []Document, forceRegenerate bool) (*Result, error) {
	result := &Result{}
	run := &buildRun{byName: make(map[string]*model.Entity), topic: topic}

	var pending []Document
	for _, d := range docs {
		done, err := tenantStore.HasSourceMapping(ctx, d.SourceID)
		if err != nil {
			return nil, fmt.Errorf("graphbuilder: check source mapping: %w", err)
		}
		if done {
			result.DocumentsSkipped++
			continue
		}
		pending = append(pending, d)
	}

	if len(pending) == 0 {
		slog.Info("graphbuilder: nothing to do", "topic", topic, "skipped", result.DocumentsSkipped)
		return result, nil
	}

	maps, err := b.generateCognitiveMaps(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("graphbuilder: cognitive maps: %w", err)
	}

	bp, err := b.ensureBlueprint(ctx, tenantStore, topic, pending, maps, forceRegenerate)
	if err != nil {
		return nil, fmt.Errorf("graphbuilder: blueprint: %w", err)
	}

	if err := b.preloadNameCache(ctx, tenantStore, topic, run); err != nil {
		return nil, fmt.Errorf("graphbuilder: preload name cache: %w", err)
	}

	for _, d := range pending {
		triplets, err := b.extractTriplets(ctx, bp, maps[d.SourceID], d)
		if err != nil {
			return nil, fmt.Errorf("graphbuilder: extract triplets %s: %w", d.SourceID, err)
		}

		created, relCreated, committed, err := b.materializeTriplets(ctx, tenantStore, run, d.SourceID, triplets)
		if err != nil {
			return nil, fmt.Errorf("graphbuilder: materialize %s: %w", d.SourceID, err)
		}
		result.EntitiesCreated += created
		result.RelationshipsCreated += relCreated

		entityIDs, relIDs := elementIDs(committed)
		if err := b.EnhanceReasoning(ctx, tenantStore, run, d, entityIDs, relIDs); err != nil {
			// Reasoning enhancement is a second pass over already-committed
			// data; a failure here does not invalidate stage 4's work.
			slog.Warn("graphbuilder: reasoning enhancement failed", "source_id", d.SourceID, "err", err)
		}
		result.DocumentsProcessed++
	}

	return result, nil
}

// preloadNameCache seeds run's name cache with every entity already in the
// topic, so cross-document entity resolution (and the namesim fallback) see
// entities created by earlier Build calls, not just this one.
func (b *Builder) preloadNameCache(ctx context.Context, tenantStore *store.Store, topic string, run *buildRun) error {
	existing, err := tenantStore.EntitiesByTopic(ctx, topic)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	for i := range existing {
		e := existing[i]
		run.byName[lower(e.Name)] = &e
		run.names = append(run.names, e.Name)
	}
	return nil
}

// generateCognitiveMaps runs stage 1 with bounded concurrency, grounded on
// go-light-rag's errgroup+semaphore insert pattern.
func (b *Builder) generateCognitiveMaps(ctx context.Context, docs []Document) (map[string]CognitiveMap, error) {
	out := make(map[string]CognitiveMap, len(docs))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, b.concurrency())

	for _, d := range docs {
		d := d
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			cm, err := b.cognitiveMap(egCtx, d)
			if err != nil {
				return fmt.Errorf("source %s: %w", d.SourceID, err)
			}
			mu.Lock()
			out[d.SourceID] = cm
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Builder) cognitiveMap(ctx context.Context, d Document) (CognitiveMap, error) {
	prompt := fmt.Sprintf(`Read the following document and produce a JSON object summarizing it for
cross-document knowledge graph construction. Respond with a single fenced
`+"```json"+` block containing exactly these keys:
{
  "summary": "2-4 sentence summary",
  "key_entities": ["..."],
  "theme_keywords": ["..."],
  "important_timeline": ["..."]
}

Document name: %s

Document:
%s`, d.Name, d.Content)

	resp, err := b.generate(ctx, prompt, 1024, "cognitive_map")
	if err != nil {
		return CognitiveMap{}, err
	}
	var cm CognitiveMap
	if err := jsonutil.ExtractWithRepair(ctx, b.LLM, resp, &cm); err != nil {
		return CognitiveMap{}, fmt.Errorf("%w: %w", err, ierrors.ErrBlueprintIncomplete)
	}
	return cm, nil
}

// concurrency returns the configured bound, defaulting to 4.
func (b *Builder) concurrency() int {
	if b.Concurrency <= 0 {
		return 4
	}
	return b.Concurrency
}

// generate wraps a single LLM call with metrics and tokencount warnings.
func (b *Builder) generate(ctx context.Context, prompt string, maxTokens int, stage string) (string, error) {
	if tokencount.ExceedsWarningThreshold(prompt) {
		slog.Warn("graphbuilder: prompt exceeds token warning threshold", "stage", stage, "estimated_tokens", tokencount.Estimate(prompt))
	}
	resp, err := b.LLM.Generate(ctx, prompt, maxTokens)
	if err != nil {
		if b.Metrics != nil {
			b.Metrics.RecordLLMError(ctx, stage)
		}
		return "", fmt.Errorf("%w: %w", err, ierrors.ErrLLM)
	}
	return resp, nil
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// elementIDs flattens the committed triplets into deduplicated entity IDs
// and the relationship IDs, the shape EnhanceReasoning consumes.
func elementIDs(committed []materialized) (entityIDs, relIDs []string) {
	seen := make(map[string]struct{}, len(committed)*2)
	for _, c := range committed {
		for _, id := range [2]string{c.SubjectID, c.ObjectID} {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			entityIDs = append(entityIDs, id)
		}
		relIDs = append(relIDs, c.RelID)
	}
	return entityIDs, relIDs
}

// sortedSourceIDs is a small helper used by ensureBlueprint to keep
// generated prompts deterministic across runs.
func sortedSourceIDs(docs []Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.SourceID
	}
	sort.Strings(ids)
	return ids
}
