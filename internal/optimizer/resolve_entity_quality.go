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

// refinedEntity is the LLM's proposed replacement, grounded on
// original_source/opt/optimizer.py's refine_entity return shape.
type refinedEntity struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Meta        map[string]interface{} `json:"meta"`
}

// resolveEntityQuality ports process_entity_quality_issue/refine_entity:
// one affected entity at a time, rewriting its name/description/attributes
// in place from the entity's own relationships and contributing source
// data, budgeted to roughly 30k relationship tokens and 70k source tokens
// (original_source/opt/optimizer.py's calculate_tokens cutoffs).
func (o *Optimizer) resolveEntityQuality(ctx context.Context, tenantStore *store.Store, issue *model.Issue) (bool, error) {
	for _, id := range issue.AffectedIDs {
		entity, err := tenantStore.GetEntity(ctx, id)
		if err != nil {
			return false, fmt.Errorf("optimizer: entity quality: fetch entity %s: %w", id, err)
		}

		rels, err := tenantStore.RelationshipsByEntity(ctx, id)
		if err != nil {
			return false, fmt.Errorf("optimizer: entity quality: fetch relationships: %w", err)
		}
		sources, err := tenantStore.SourceDataForElements(ctx, model.ElementEntity, []string{id})
		if err != nil {
			return false, fmt.Errorf("optimizer: entity quality: fetch source data: %w", err)
		}

		refined, err := o.refineEntity(ctx, *issue, *entity, rels, sources)
		if err != nil {
			return false, err
		}
		if refined == nil {
			return false, nil
		}

		// topic_name and category survive refinement unchanged; the LLM's
		// meta must not move an entity across topics.
		topic := entity.Attributes.TopicName()
		category := entity.Attributes.Category()

		attrs := entity.Attributes
		if attrs == nil {
			attrs = model.Attributes{}
		}
		for k, v := range refined.Meta {
			attrs[k] = v
		}
		if topic != "" {
			attrs["topic_name"] = topic
		}
		if category != "" {
			attrs["category"] = category
		}

		embedding, err := o.Embeddings.Embed(ctx, refined.Name+"\n"+refined.Description)
		if err != nil {
			return false, fmt.Errorf("optimizer: entity quality: embed refined entity: %w", err)
		}

		err = resilience.RetryConnectionLost(ctx, func() error {
			return tenantStore.UpdateEntity(ctx, id, refined.Name, refined.Description, embedding, attrs)
		})
		if err != nil {
			return false, fmt.Errorf("optimizer: entity quality: update entity %s: %w", id, err)
		}
	}
	return true, nil
}

func (o *Optimizer) refineEntity(ctx context.Context, issue model.Issue, entity model.Entity, rels []model.Relationship, sources []model.SourceData) (*refinedEntity, error) {
	relLines := make([]string, 0, len(rels))
	consumed := 0
	for _, r := range rels {
		line := fmt.Sprintf("%s -> %s: %s", r.SourceEntityID, r.TargetEntityID, r.RelationshipDesc)
		consumed += tokencount.Estimate(line)
		if consumed > 30000 {
			break
		}
		relLines = append(relLines, line)
	}

	selected := make([]model.SourceData, 0, len(sources))
	for _, s := range sources {
		consumed += tokencount.Estimate(s.Content)
		if consumed > 70000 {
			break
		}
		selected = append(selected, s)
	}

	entityJSON, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal entity: %w", err)
	}
	relJSON, err := json.MarshalIndent(relLines, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal relationships: %w", err)
	}
	srcJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal source data: %w", err)
	}

	prompt := fmt.Sprintf(`You are an expert knowledge engineer repairing a flawed entity in a
knowledge graph. A quality issue has been reported against the entity
below. Rewrite it into a clear, unambiguous, self-contained entity that
resolves the issue, grounded strictly in the background information
provided — never invent facts not present there.

# Reported issue
%s

# Entity to repair
%s

# Relationships involving this entity
%s

# Background source text
%s

Respond with a single fenced `+"```json"+` object:
{"name": "...", "description": "...", "meta": {}}`,
		issue.Reasoning, string(entityJSON), string(relJSON), string(srcJSON))

	resp, err := o.generate(ctx, prompt, 2048, "optimizer_refine_entity")
	if err != nil {
		return nil, err
	}

	var refined refinedEntity
	if err := jsonutil.ExtractWithRepair(ctx, o.LLM, resp, &refined); err != nil {
		return nil, nil
	}
	if refined.Name == "" || refined.Description == "" {
		return nil, nil
	}
	return &refined, nil
}
