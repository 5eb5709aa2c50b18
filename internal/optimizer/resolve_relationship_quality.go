package optimizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/resilience"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	"github.com/IANTHEREAL/narrative-knowledge/internal/tokencount"
)

// refinedRelationship is refine_relationship_quality's return shape. The
// entity name fields are informational context for the prompt only; the
// description is the sole field actually written back.
type refinedRelationship struct {
	SourceEntityName string `json:"source_entity_name"`
	TargetEntityName string `json:"target_entity_name"`
	Description      string `json:"description"`
}

// resolveRelationshipQuality ports
// process_relationship_quality_issue/refine_relationship_quality: one
// affected relationship at a time, rewriting only its description from the
// contributing source chunks.
func (o *Optimizer) resolveRelationshipQuality(ctx context.Context, tenantStore *store.Store, issue *model.Issue) (bool, error) {
	for _, id := range issue.AffectedIDs {
		rels, err := tenantStore.GetRelationshipsByIDs(ctx, []string{id})
		if err != nil {
			return false, fmt.Errorf("optimizer: relationship quality: fetch relationship %s: %w", id, err)
		}
		if len(rels) == 0 {
			continue
		}
		rel := rels[0]

		sources, err := tenantStore.SourceDataForElements(ctx, model.ElementRelationship, []string{id})
		if err != nil {
			return false, fmt.Errorf("optimizer: relationship quality: fetch source data: %w", err)
		}

		refined, err := o.refineRelationshipQuality(ctx, *issue, rel, sources)
		if err != nil {
			return false, err
		}
		if refined == nil {
			return false, nil
		}

		embedding, err := o.Embeddings.Embed(ctx, refined.Description)
		if err != nil {
			return false, fmt.Errorf("optimizer: relationship quality: embed refined description: %w", err)
		}

		err = resilience.RetryConnectionLost(ctx, func() error {
			return tenantStore.UpdateRelationship(ctx, id, refined.Description, embedding, model.Attributes{})
		})
		if err != nil {
			return false, fmt.Errorf("optimizer: relationship quality: update relationship %s: %w", id, err)
		}
	}
	return true, nil
}

func (o *Optimizer) refineRelationshipQuality(ctx context.Context, issue model.Issue, rel model.Relationship, sources []model.SourceData) (*refinedRelationship, error) {
	selected := make([]model.SourceData, 0, len(sources))
	consumed := 0
	for _, s := range sources {
		consumed += tokencount.Estimate(s.Content)
		if consumed > 70000 {
			break
		}
		selected = append(selected, s)
	}

	relJSON, err := json.MarshalIndent(rel, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal relationship: %w", err)
	}
	srcJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal source data: %w", err)
	}

	prompt := fmt.Sprintf(`You are an expert knowledge engineer repairing a vague or contradictory
relationship description in a knowledge graph. Write a clear, precise,
evidence-based description that explains exactly how the source entity
connects to the target entity. Never invent details not supported by the
background text.

# Reported issue
%s

# Relationship to improve
%s

# Background source text
%s

Respond with a single fenced `+"```json"+` object:
{"source_entity_name": "...", "target_entity_name": "...", "description": "..."}`,
		issue.Reasoning, string(relJSON), string(srcJSON))

	resp, err := o.generate(ctx, prompt, 2048, "optimizer_refine_relationship")
	if err != nil {
		return nil, err
	}

	var refined refinedRelationship
	if err := jsonutil.ExtractWithRepair(ctx, o.LLM, resp, &refined); err != nil {
		return nil, nil
	}
	if refined.Description == "" {
		return nil, nil
	}
	return &refined, nil
}
