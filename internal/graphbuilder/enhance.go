package graphbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/resilience"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

// EnhanceReasoning is stage 5: a second LLM pass over a document's
// just-materialized subgraph that proposes inferred relationships and
// description upgrades now that the surrounding structure is known. Each
// enhanced relationship is materialized exactly like a stage-4 triplet —
// resolve or create both parties, ensure lineage mappings, create the edge
// or shallow-merge attributes into an existing one — with one addition: a
// party flagged requires_description_update has its description overwritten
// and re-embedded, and its attributes shallow-merged.
func (b *Builder) EnhanceReasoning(ctx context.Context, tenantStore *store.Store, run *buildRun, d Document, entityIDs, relIDs []string) error {
	if len(relIDs) == 0 {
		return nil
	}

	entities, err := tenantStore.GetEntitiesByIDs(ctx, entityIDs)
	if err != nil {
		return fmt.Errorf("fetch entities for enhancement: %w", err)
	}
	relationships, err := tenantStore.GetRelationshipsByIDs(ctx, relIDs)
	if err != nil {
		return fmt.Errorf("fetch relationships for enhancement: %w", err)
	}

	enhanced, err := b.runEnhancementPrompt(ctx, d, entities, relationships)
	if err != nil {
		return err
	}

	for i, er := range enhanced {
		if strings.TrimSpace(er.Subject.Name) == "" || strings.TrimSpace(er.Object.Name) == "" {
			continue
		}
		if strings.EqualFold(er.Subject.Name, er.Object.Name) {
			continue
		}
		if err := b.materializeEnhanced(ctx, tenantStore, run, d.SourceID, er); err != nil {
			return fmt.Errorf("enhanced relationship %d: %w", i, err)
		}
	}
	return nil
}

// Enhance re-runs the reasoning-enhancement pass for one document on its
// own, after data corrections, without re-extracting triplets: the
// document's already-materialized subgraph is recovered from its lineage
// mappings rather than from an in-flight build.
func (b *Builder) Enhance(ctx context.Context, tenantStore *store.Store, topic string, d Document) error {
	run := &buildRun{byName: make(map[string]*model.Entity), topic: topic}
	if err := b.preloadNameCache(ctx, tenantStore, topic, run); err != nil {
		return fmt.Errorf("graphbuilder: preload name cache: %w", err)
	}

	entityIDs, relIDs, err := tenantStore.GraphElementIDsForSource(ctx, d.SourceID)
	if err != nil {
		return fmt.Errorf("graphbuilder: graph elements for source: %w", err)
	}
	return b.EnhanceReasoning(ctx, tenantStore, run, d, entityIDs, relIDs)
}

// materializeEnhanced commits one enhanced relationship in its own
// transaction, then applies any flagged description updates outside it (the
// updates target already-committed entities, mirroring how stage 5 runs
// after stage 4's commits).
func (b *Builder) materializeEnhanced(ctx context.Context, tenantStore *store.Store, run *buildRun, sourceID string, er enhancedRelationship) error {
	t := triplet{
		Subject:                er.Subject.tripletParty,
		Predicate:              er.Predicate,
		Object:                 er.Object.tripletParty,
		RelationshipAttributes: er.RelationshipAttributes,
	}

	var subjectID, objectID string
	err := resilience.RetryConnectionLost(ctx, func() error {
		return tenantStore.WithTx(ctx, func(tx *store.Store) error {
			subject, _, err := b.resolveEntity(ctx, tx, run, t.Subject)
			if err != nil {
				return fmt.Errorf("resolve subject: %w", err)
			}
			object, _, err := b.resolveEntity(ctx, tx, run, t.Object)
			if err != nil {
				return fmt.Errorf("resolve object: %w", err)
			}
			subjectID, objectID = subject.ID, object.ID

			rel, err := b.resolveRelationship(ctx, tx, subject, object, t)
			if err != nil {
				return fmt.Errorf("resolve relationship: %w", err)
			}

			for _, m := range []model.SourceGraphMapping{
				{SourceID: sourceID, GraphElementID: subject.ID, GraphElementType: model.ElementEntity, Attributes: model.Attributes{"topic_name": run.topic}},
				{SourceID: sourceID, GraphElementID: object.ID, GraphElementType: model.ElementEntity, Attributes: model.Attributes{"topic_name": run.topic}},
				{SourceID: sourceID, GraphElementID: rel.ID, GraphElementType: model.ElementRelationship, Attributes: model.Attributes{"topic_name": run.topic}},
			} {
				if err := tx.CreateSourceGraphMapping(ctx, m); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if err := b.applyDescriptionUpdate(ctx, tenantStore, run, subjectID, er.Subject); err != nil {
		return err
	}
	return b.applyDescriptionUpdate(ctx, tenantStore, run, objectID, er.Object)
}

func (b *Builder) runEnhancementPrompt(ctx context.Context, d Document, entities []model.Entity, relationships []model.Relationship) ([]enhancedRelationship, error) {
	var sb strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Name, e.Description)
	}
	byID := make(map[string]model.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	var relSb strings.Builder
	for _, r := range relationships {
		fmt.Fprintf(&relSb, "- %s -[%s]-> %s\n", byID[r.SourceEntityID].Name, r.RelationshipDesc, byID[r.TargetEntityID].Name)
	}

	prompt := fmt.Sprintf(`The relationships below were just extracted from the document %q. Reason over
them to (a) propose additional relationships the document states or clearly
implies but that are missing from the list, and (b) decide whether any
entity's description should be sharpened now that its relationships are
known. Respond with a single fenced `+"```json"+` block containing a JSON
array; each element has this shape (mirroring a triplet, but each party
additionally carries requires_description_update):
{
  "subject": {"name": "...", "description": "improved description or empty to leave unchanged", "attributes": {}, "requires_description_update": false},
  "predicate": "...",
  "object": {"name": "...", "description": "...", "attributes": {}, "requires_description_update": false},
  "relationship_attributes": {"temporal_context": "...", "sentiment": "neutral", "confidence": "medium"}
}
Only set requires_description_update to true when the new description is a
genuine improvement; otherwise leave it false and description empty. Return
an empty array when nothing is worth adding or updating.

Document:
%s

Known entities:
%s
Known relationships:
%s`, d.Name, d.Content, sb.String(), relSb.String())

	resp, err := b.generate(ctx, prompt, 2048, "reasoning_enhancement")
	if err != nil {
		return nil, err
	}

	var enhanced []enhancedRelationship
	if err := jsonutil.ExtractWithRepair(ctx, b.LLM, resp, &enhanced); err != nil {
		return nil, fmt.Errorf("parse enhancement response: %w", err)
	}
	return enhanced, nil
}

// applyDescriptionUpdate overwrites an existing entity's description (and
// re-embeds it) when the enhancement pass flagged the party, shallow-merging
// the party's attributes into the entity's bag at the same time.
func (b *Builder) applyDescriptionUpdate(ctx context.Context, tenantStore *store.Store, run *buildRun, entityID string, party enhancedParty) error {
	if !party.RequiresDescriptionUpdate || strings.TrimSpace(party.Description) == "" {
		return nil
	}

	var embedding []float32
	if b.Embeddings != nil {
		emb, err := b.Embeddings.Embed(ctx, party.Description)
		if err != nil {
			return fmt.Errorf("embed updated description for %s: %w", party.Name, err)
		}
		embedding = emb
	}

	attrs := model.Attributes{}
	for k, v := range party.Attributes {
		attrs[k] = v
	}

	if err := tenantStore.UpdateEntity(ctx, entityID, "", party.Description, embedding, attrs); err != nil {
		return err
	}

	run.mu.Lock()
	if cached, ok := run.byName[lower(party.Name)]; ok && cached.ID == entityID {
		cached.Description = party.Description
	}
	run.mu.Unlock()
	return nil
}
