package graphbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/resilience"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

// materialized records one committed triplet, carrying just enough to feed
// the reasoning-enhancement pass without a second round trip to the store.
type materialized struct {
	SubjectID string
	ObjectID  string
	RelID     string
}

// materializeTriplets persists triplets one at a time, each in its own
// transaction (spec.md §4.E stage 4 invariant), so a mid-batch failure
// leaves every prior triplet durably committed instead of rolling the whole
// document back.
func (b *Builder) materializeTriplets(ctx context.Context, tenantStore *store.Store, run *buildRun, sourceID string, triplets []triplet) (entitiesCreated, relationshipsCreated int, committed []materialized, err error) {
	for i, t := range triplets {
		if strings.TrimSpace(t.Subject.Name) == "" || strings.TrimSpace(t.Object.Name) == "" {
			continue
		}
		if strings.EqualFold(t.Subject.Name, t.Object.Name) {
			continue
		}

		var (
			createdSubject, createdObject bool
			subjectID, objectID, relID    string
		)

		retryErr := resilience.RetryConnectionLost(ctx, func() error {
			return tenantStore.WithTx(ctx, func(tx *store.Store) error {
				subject, subjNew, err := b.resolveEntity(ctx, tx, run, t.Subject)
				if err != nil {
					return fmt.Errorf("resolve subject: %w", err)
				}
				object, objNew, err := b.resolveEntity(ctx, tx, run, t.Object)
				if err != nil {
					return fmt.Errorf("resolve object: %w", err)
				}
				createdSubject, createdObject = subjNew, objNew

				rel, err := b.resolveRelationship(ctx, tx, subject, object, t)
				if err != nil {
					return fmt.Errorf("resolve relationship: %w", err)
				}
				subjectID, objectID, relID = subject.ID, object.ID, rel.ID

				if err := tx.CreateSourceGraphMapping(ctx, model.SourceGraphMapping{
					SourceID:         sourceID,
					GraphElementID:   subject.ID,
					GraphElementType: model.ElementEntity,
					Attributes:       model.Attributes{"topic_name": run.topic},
				}); err != nil {
					return err
				}
				if err := tx.CreateSourceGraphMapping(ctx, model.SourceGraphMapping{
					SourceID:         sourceID,
					GraphElementID:   object.ID,
					GraphElementType: model.ElementEntity,
					Attributes:       model.Attributes{"topic_name": run.topic},
				}); err != nil {
					return err
				}
				return tx.CreateSourceGraphMapping(ctx, model.SourceGraphMapping{
					SourceID:         sourceID,
					GraphElementID:   rel.ID,
					GraphElementType: model.ElementRelationship,
					Attributes:       model.Attributes{"topic_name": run.topic},
				})
			})
		})
		if retryErr != nil {
			// A failed triplet aborts only itself; the rest of the document's
			// triplets still materialize (spec behavior for stage 4).
			slog.Warn("graphbuilder: triplet aborted", "source_id", sourceID, "triplet", i, "err", retryErr)
			continue
		}

		if createdSubject {
			entitiesCreated++
		}
		if createdObject {
			entitiesCreated++
		}
		relationshipsCreated++
		committed = append(committed, materialized{SubjectID: subjectID, ObjectID: objectID, RelID: relID})
	}
	return entitiesCreated, relationshipsCreated, committed, nil
}

// resolveEntity finds or creates the entity named by p within run.topic,
// consulting run's in-process name cache first, then an exact store lookup,
// then namesim's phonetic/fuzzy fallback before finally creating a new row.
func (b *Builder) resolveEntity(ctx context.Context, tx *store.Store, run *buildRun, p tripletParty) (*model.Entity, bool, error) {
	run.mu.Lock()
	if e, ok := run.byName[lower(p.Name)]; ok {
		run.mu.Unlock()
		return e, false, nil
	}
	knownNames := append([]string(nil), run.names...)
	run.mu.Unlock()

	existing, err := tx.GetEntityByName(ctx, p.Name, run.topic)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		b.cacheEntity(run, existing)
		return existing, false, nil
	}

	if match, _, ok := b.Matcher.Closest(p.Name, knownNames); ok {
		resolved, err := tx.GetEntityByName(ctx, match, run.topic)
		if err != nil {
			return nil, false, err
		}
		if resolved != nil {
			b.cacheEntity(run, resolved)
			return resolved, false, nil
		}
	}

	attrs := model.Attributes{}
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs["topic_name"] = run.topic

	var embedding []float32
	if b.Embeddings != nil && p.Description != "" {
		embedding, err = b.Embeddings.Embed(ctx, p.Description)
		if err != nil {
			return nil, false, fmt.Errorf("embed entity description: %w", err)
		}
	}

	created, err := tx.CreateEntity(ctx, model.Entity{
		Name:                 p.Name,
		Description:          p.Description,
		DescriptionEmbedding: embedding,
		Attributes:           attrs,
	})
	if err != nil {
		return nil, false, err
	}
	b.cacheEntity(run, created)
	return created, true, nil
}

func (b *Builder) cacheEntity(run *buildRun, e *model.Entity) {
	run.mu.Lock()
	defer run.mu.Unlock()
	key := lower(e.Name)
	if _, exists := run.byName[key]; !exists {
		run.names = append(run.names, e.Name)
	}
	run.byName[key] = e
}

// resolveRelationship finds or creates the directed edge subject->object
// described by t.Predicate, merging t's relationship_attributes into an
// existing edge's attribute bag rather than duplicating the row.
func (b *Builder) resolveRelationship(ctx context.Context, tx *store.Store, subject, object *model.Entity, t triplet) (*model.Relationship, error) {
	attrs, err := relationshipAttrs(t)
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetRelationship(ctx, subject.ID, object.ID, t.Predicate)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := tx.UpdateRelationship(ctx, existing.ID, "", nil, attrs); err != nil {
			return nil, err
		}
		existing.Attributes = existing.Attributes.Merge(attrs)
		return existing, nil
	}

	var embedding []float32
	if b.Embeddings != nil && t.Predicate != "" {
		embedding, err = b.Embeddings.Embed(ctx, t.Predicate)
		if err != nil {
			return nil, fmt.Errorf("embed relationship desc: %w", err)
		}
	}

	return tx.CreateRelationship(ctx, model.Relationship{
		SourceEntityID:            subject.ID,
		TargetEntityID:            object.ID,
		RelationshipDesc:          t.Predicate,
		RelationshipDescEmbedding: embedding,
		Attributes:                attrs,
	})
}

// relationshipAttrs flattens a triplet's typed relationship_attributes into
// the JSON attribute bag entities and relationships carry at rest, via a
// marshal/unmarshal round trip so every JSON-tagged field lands under its
// wire name without hand duplicating the field list.
func relationshipAttrs(t triplet) (model.Attributes, error) {
	raw, err := json.Marshal(t.RelationshipAttributes)
	if err != nil {
		return nil, fmt.Errorf("marshal relationship attributes: %w", err)
	}
	var attrs model.Attributes
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal relationship attributes: %w", err)
	}
	if attrs == nil {
		attrs = model.Attributes{}
	}
	return attrs, nil
}
