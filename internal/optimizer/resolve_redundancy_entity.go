package optimizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	"github.com/IANTHEREAL/narrative-knowledge/internal/tokencount"
)

// mergedEntity is merge_entity's return shape.
type mergedEntity struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Meta        map[string]interface{} `json:"meta"`
}

// resolveRedundancyEntity ports process_redundancy_entity_issue/merge_entity:
// fetches every affected entity plus their relationships and contributing
// source chunks, has the LLM synthesize one replacement, inserts it, then
// repoints every relationship and source mapping from the originals onto
// the merged entity before deleting the originals.
func (o *Optimizer) resolveRedundancyEntity(ctx context.Context, tenantStore *store.Store, issue *model.Issue) (bool, error) {
	entities, err := tenantStore.GetEntitiesByIDs(ctx, issue.AffectedIDs)
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy entity: fetch entities: %w", err)
	}
	if len(entities) == 0 {
		return false, nil
	}

	relSeen := map[string]model.Relationship{}
	for _, id := range issue.AffectedIDs {
		rels, err := tenantStore.RelationshipsByEntity(ctx, id)
		if err != nil {
			return false, fmt.Errorf("optimizer: redundancy entity: fetch relationships: %w", err)
		}
		for _, r := range rels {
			relSeen[r.ID] = r
		}
	}
	sources, err := tenantStore.SourceDataForElements(ctx, model.ElementEntity, issue.AffectedIDs)
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy entity: fetch source data: %w", err)
	}

	merged, err := o.mergeEntities(ctx, *issue, entities, relSeen, sources)
	if err != nil {
		return false, err
	}
	if merged == nil {
		return false, nil
	}

	attrs := model.Attributes{}
	for _, e := range entities {
		for k, v := range e.Attributes {
			if k == "topic_name" || k == "category" {
				attrs[k] = v
			}
		}
	}
	for k, v := range merged.Meta {
		attrs[k] = v
	}

	embedding, err := o.Embeddings.Embed(ctx, merged.Name+"\n"+merged.Description)
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy entity: embed merged entity: %w", err)
	}

	err = tenantStore.WithTx(ctx, func(tx *store.Store) error {
		created, err := tx.CreateEntity(ctx, model.Entity{
			Name:                 merged.Name,
			Description:          merged.Description,
			DescriptionEmbedding: embedding,
			Attributes:           attrs,
		})
		if err != nil {
			return fmt.Errorf("create merged entity: %w", err)
		}

		for _, e := range entities {
			if e.ID == created.ID {
				continue
			}
			if err := tx.RepointEntityReferences(ctx, e.ID, created.ID); err != nil {
				return fmt.Errorf("repoint references from %s: %w", e.ID, err)
			}
			if err := tx.RewriteGraphElementID(ctx, model.ElementEntity, e.ID, created.ID); err != nil {
				return fmt.Errorf("rewrite mapping for %s: %w", e.ID, err)
			}
			if err := tx.DeleteEntity(ctx, e.ID); err != nil {
				return fmt.Errorf("delete original entity %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy entity: %w", err)
	}
	return true, nil
}

func (o *Optimizer) mergeEntities(ctx context.Context, issue model.Issue, entities []model.Entity, rels map[string]model.Relationship, sources []model.SourceData) (*mergedEntity, error) {
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

	entitiesJSON, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal entities: %w", err)
	}
	relJSON, err := json.MarshalIndent(relLines, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal relationships: %w", err)
	}
	srcJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal source data: %w", err)
	}

	prompt := fmt.Sprintf(`You are an expert knowledge engineer consolidating redundant entities in a
knowledge graph into one authoritative, self-contained replacement. Every
statement in your output must be traceable to the background information
below; never invent facts.

# Redundancy issue
%s

# Entities to merge
%s

# Relevant relationships
%s

# Relevant source text
%s

Choose the most representative, unambiguous name; synthesize one coherent
description; consolidate metadata, keeping only fields that add genuine
context.

Respond with a single fenced `+"```json"+` object:
{"name": "...", "description": "...", "meta": {}}`,
		issue.Reasoning, string(entitiesJSON), string(relJSON), string(srcJSON))

	resp, err := o.generate(ctx, prompt, 4096, "optimizer_merge_entity")
	if err != nil {
		return nil, err
	}

	var merged mergedEntity
	if err := jsonutil.ExtractWithRepair(ctx, o.LLM, resp, &merged); err != nil {
		return nil, nil
	}
	if merged.Name == "" || merged.Description == "" {
		return nil, nil
	}
	return &merged, nil
}
