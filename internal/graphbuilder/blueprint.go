package graphbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

// ensureBlueprint returns topic's AnalysisBlueprint, reusing the latest
// persisted one unless none exists yet or forceRegenerate was requested
// (spec.md §4.E point 2).
func (b *Builder) ensureBlueprint(ctx context.Context, tenantStore *store.Store, topic string, docs []Document, maps map[string]CognitiveMap, forceRegenerate bool) (*model.AnalysisBlueprint, error) {
	if !forceRegenerate {
		existing, err := tenantStore.LatestBlueprint(ctx, topic)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	items, instructions, err := b.generateBlueprint(ctx, topic, docs, maps)
	if err != nil {
		return nil, err
	}

	bp := model.AnalysisBlueprint{
		TopicName:              topic,
		ProcessingItems:        items,
		ProcessingInstructions: instructions,
	}
	created, err := tenantStore.CreateBlueprint(ctx, bp)
	if err != nil {
		return nil, fmt.Errorf("persist blueprint: %w", err)
	}
	return created, nil
}

func (b *Builder) generateBlueprint(ctx context.Context, topic string, docs []Document, maps map[string]CognitiveMap) (model.BlueprintProcessingItems, string, error) {
	var sb strings.Builder
	for _, id := range sortedSourceIDs(docs) {
		cm := maps[id]
		fmt.Fprintf(&sb, "Document %s:\n  summary: %s\n  key_entities: %v\n  themes: %v\n  timeline: %v\n\n",
			id, cm.Summary, cm.KeyEntities, cm.ThemeKeywords, cm.ImportantTimeline)
	}

	prompt := fmt.Sprintf(`You are synthesizing a cross-document analysis blueprint for the narrative
topic %q from %d documents' cognitive maps below. Respond with a single
fenced `+"```json"+` block with exactly these keys:
{
  "canonical_entities": [{"name": "...", "aliases": ["..."], "type": "...", "description": "...", "primary_source": "..."}],
  "key_patterns": {"relationship_patterns": ["..."], "temporal_patterns": ["..."], "narrative_themes": ["..."]},
  "global_timeline": [{"time": "...", "description": "..."}],
  "processing_instructions": "free-form guidance for per-document triplet extraction"
}

Cognitive maps:
%s`, topic, len(docs), sb.String())

	resp, err := b.generate(ctx, prompt, 2048, "blueprint")
	if err != nil {
		return model.BlueprintProcessingItems{}, "", err
	}

	var parsed struct {
		CanonicalEntities      []model.CanonicalEntity `json:"canonical_entities"`
		KeyPatterns            model.KeyPatterns       `json:"key_patterns"`
		GlobalTimeline         []model.TimelineEvent   `json:"global_timeline"`
		ProcessingInstructions string                  `json:"processing_instructions"`
	}
	if err := jsonutil.ExtractWithRepair(ctx, b.LLM, resp, &parsed); err != nil {
		return model.BlueprintProcessingItems{}, "", fmt.Errorf("parse blueprint response: %w", err)
	}

	items := model.BlueprintProcessingItems{
		CanonicalEntities: parsed.CanonicalEntities,
		KeyPatterns:       parsed.KeyPatterns,
		GlobalTimeline:    parsed.GlobalTimeline,
		DocumentCount:     len(docs),
	}
	return items, parsed.ProcessingInstructions, nil
}
