package graphbuilder

import (
	"context"
	"fmt"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// extractTriplets runs stage 3 for one document: a single LLM call embedding
// the topic blueprint, the document's own cognitive map, the fixed quality
// standards, and the document text itself (spec.md §4.E point 3).
func (b *Builder) extractTriplets(ctx context.Context, bp *model.AnalysisBlueprint, cm CognitiveMap, d Document) ([]triplet, error) {
	prompt := fmt.Sprintf(`%s

Cross-document blueprint for this topic:
  canonical entities: %+v
  key patterns: %+v
  processing instructions: %s

This document's cognitive map:
  summary: %s
  key entities: %v
  themes: %v
  timeline: %v

Extract every factual relationship stated or clearly implied in the document
below as a JSON array of triplets. Respond with a single fenced `+"```json"+`
block containing a JSON array; each element has exactly this shape:
{
  "subject": {"name": "...", "description": "...", "attributes": {}},
  "predicate": "...",
  "object": {"name": "...", "description": "...", "attributes": {}},
  "relationship_attributes": {
    "fact_time": "", "fact_time_range": null, "temporal_context": "...",
    "condition": "", "scope": "", "prerequisite": "", "impact": "",
    "sentiment": "positive|negative|neutral", "confidence": "high|medium|low",
    "justification": "..."
  }
}

Document name: %s

Document:
%s`, qualityStandards, bp.ProcessingItems.CanonicalEntities, bp.ProcessingItems.KeyPatterns, bp.ProcessingInstructions,
		cm.Summary, cm.KeyEntities, cm.ThemeKeywords, cm.ImportantTimeline, d.Name, d.Content)

	resp, err := b.generate(ctx, prompt, 4096, "triplet_extraction")
	if err != nil {
		return nil, err
	}

	var triplets []triplet
	if err := jsonutil.ExtractWithRepair(ctx, b.LLM, resp, &triplets); err != nil {
		return nil, fmt.Errorf("parse triplets: %w", err)
	}
	return triplets, nil
}
