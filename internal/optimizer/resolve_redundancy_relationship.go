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

// mergedRelationship is merge_relationship's return shape. The entity id
// fields are only a candidate the resolver validates against the original
// relationships' actual endpoints before use.
type mergedRelationship struct {
	SourceEntityID string `json:"source_entity_id"`
	TargetEntityID string `json:"target_entity_id"`
	Description    string `json:"description"`
}

// resolveRedundancyRelationship ports
// process_redundancy_relationship_issue/merge_relationship. Fewer than two
// affected relationships, or relationships spanning more than two distinct
// entities, cannot be merged and are a deliberate no-op skip rather than a
// failure.
func (o *Optimizer) resolveRedundancyRelationship(ctx context.Context, tenantStore *store.Store, issue *model.Issue) (bool, error) {
	rels, err := tenantStore.GetRelationshipsByIDs(ctx, issue.AffectedIDs)
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy relationship: fetch relationships: %w", err)
	}
	if len(rels) < 2 {
		return false, nil
	}

	entitySet := map[string]struct{}{}
	for _, r := range rels {
		entitySet[r.SourceEntityID] = struct{}{}
		entitySet[r.TargetEntityID] = struct{}{}
	}
	if len(entitySet) != 1 && len(entitySet) != 2 {
		return false, nil
	}

	sourceIDs := make([]string, len(rels))
	for i, r := range rels {
		sourceIDs[i] = r.ID
	}
	sources, err := tenantStore.SourceDataForElements(ctx, model.ElementRelationship, sourceIDs)
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy relationship: fetch source data: %w", err)
	}

	merged, err := o.mergeRelationships(ctx, *issue, rels, sources)
	if err != nil {
		return false, err
	}
	if merged == nil {
		return false, nil
	}

	candidateSource := rels[0].SourceEntityID
	candidateTarget := rels[0].TargetEntityID

	actualSource := candidateSource
	if merged.SourceEntityID != "" && (merged.SourceEntityID == candidateSource || merged.SourceEntityID == candidateTarget) {
		actualSource = merged.SourceEntityID
	}
	actualTarget := candidateTarget
	if actualSource == candidateTarget {
		actualTarget = candidateSource
	}

	// The merged edge inherits the first original's attribute bag, so
	// topic_name, category, sentiment, confidence, and temporal context
	// survive the merge and the edge stays visible to topic-scoped
	// retrieval.
	attrs := model.Attributes{}
	for k, v := range rels[0].Attributes {
		attrs[k] = v
	}

	embedding, err := o.Embeddings.Embed(ctx, merged.Description)
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy relationship: embed merged description: %w", err)
	}

	err = tenantStore.WithTx(ctx, func(tx *store.Store) error {
		created, err := tx.CreateRelationship(ctx, model.Relationship{
			SourceEntityID:            actualSource,
			TargetEntityID:            actualTarget,
			RelationshipDesc:          merged.Description,
			RelationshipDescEmbedding: embedding,
			Attributes:                attrs,
		})
		if err != nil {
			return fmt.Errorf("create merged relationship: %w", err)
		}

		for _, r := range rels {
			if err := tx.RewriteGraphElementID(ctx, model.ElementRelationship, r.ID, created.ID); err != nil {
				return fmt.Errorf("rewrite mapping for %s: %w", r.ID, err)
			}
			if err := tx.DeleteRelationship(ctx, r.ID); err != nil {
				return fmt.Errorf("delete original relationship %s: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("optimizer: redundancy relationship: %w", err)
	}
	return true, nil
}

func (o *Optimizer) mergeRelationships(ctx context.Context, issue model.Issue, rels []model.Relationship, sources []model.SourceData) (*mergedRelationship, error) {
	relLines := make([]string, 0, len(rels))
	consumed := 0
	for _, r := range rels {
		line := fmt.Sprintf("%s(source_entity_id=%s) -> %s(target_entity_id=%s): %s",
			r.SourceEntityID, r.SourceEntityID, r.TargetEntityID, r.TargetEntityID, r.RelationshipDesc)
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

	relJSON, err := json.MarshalIndent(relLines, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal relationships: %w", err)
	}
	srcJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal source data: %w", err)
	}

	prompt := fmt.Sprintf(`You are an expert knowledge engineer consolidating redundant relationship
entries in a knowledge graph that connect the same two entities with the
same underlying meaning. Synthesize one authoritative description,
strictly grounded in the evidence below; never invent facts.

# Redundancy issue
%s

# Relationships to merge
%s

# Background source text
%s

Respond with a single fenced `+"```json"+` object:
{"source_entity_id": "...", "target_entity_id": "...", "description": "..."}`,
		issue.Reasoning, string(relJSON), string(srcJSON))

	resp, err := o.generate(ctx, prompt, 4096, "optimizer_merge_relationship")
	if err != nil {
		return nil, err
	}

	var merged mergedRelationship
	if err := jsonutil.ExtractWithRepair(ctx, o.LLM, resp, &merged); err != nil {
		return nil, nil
	}
	if merged.Description == "" {
		return nil, nil
	}
	return &merged, nil
}
