package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// GetEntityByName returns the entity uniquely identified by (name, topic)
// within this tenant, or (nil, nil) when absent. This is the canonical
// lookup the triplet-materialization stage uses before deciding whether a
// mentioned entity is new or already known.
func (s *Store) GetEntityByName(ctx context.Context, name, topicName string) (*model.Entity, error) {
	const q = `
		SELECT id, name, description, description_embedding, attributes, created_at, updated_at
		FROM   entities
		WHERE  name = $1 AND attributes->>'topic_name' = $2`
	e, err := scanEntity(s.pool.QueryRow(ctx, q, name, topicName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entity by name: %w", err)
	}
	return e, nil
}

// GetEntity returns the entity by id. Returns ierrors.ErrNotFound when
// absent.
func (s *Store) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	const q = `
		SELECT id, name, description, description_embedding, attributes, created_at, updated_at
		FROM   entities
		WHERE  id = $1`
	e, err := scanEntity(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ierrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entity: %w", err)
	}
	return e, nil
}

// GetEntitiesByIDs returns the entities whose IDs are in ids, in no
// particular order. IDs with no matching row are silently omitted.
func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []string) ([]model.Entity, error) {
	if len(ids) == 0 {
		return []model.Entity{}, nil
	}
	const q = `
		SELECT id, name, description, description_embedding, attributes, created_at, updated_at
		FROM   entities
		WHERE  id = ANY($1::text[])`
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("store: get entities by ids: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// CreateEntity inserts a new entity. Callers are responsible for the
// (name, topic) uniqueness check via GetEntityByName; CreateEntity
// surfaces the unique-index violation as an error rather than silently
// upserting, so merges go through UpdateEntity explicitly.
func (s *Store) CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return nil, fmt.Errorf("store: create entity: marshal attributes: %w", err)
	}
	emb := embeddingParam(e.DescriptionEmbedding)

	const q = `
		INSERT INTO entities (id, name, description, description_embedding, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at`
	if err := s.pool.QueryRow(ctx, q, e.ID, e.Name, e.Description, emb, attrsJSON).Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: create entity: %w", err)
	}
	return &e, nil
}

// UpdateEntity merges attrs into the entity's attribute bag, optionally
// replacing Name/Description/DescriptionEmbedding when non-empty, and
// refreshes updated_at. Used by the reasoning-enhancement stage (description
// rewrite), the quality optimizer's entity-quality resolver (name +
// description + attribute rewrite), and the entity-merge resolver
// (attribute merge).
func (s *Store) UpdateEntity(ctx context.Context, id, name, description string, embedding []float32, attrs model.Attributes) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("store: update entity: marshal attrs: %w", err)
	}

	const q = `
		UPDATE entities
		SET    name = CASE WHEN $2 = '' THEN name ELSE $2 END,
		       description = CASE WHEN $3 = '' THEN description ELSE $3 END,
		       description_embedding = COALESCE($4, description_embedding),
		       attributes = attributes || $5::jsonb,
		       updated_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, id, name, description, embeddingParam(embedding), attrsJSON)
	if err != nil {
		return fmt.Errorf("store: update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ierrors.ErrNotFound
	}
	return nil
}

// DeleteEntity removes an entity and its incident relationships (via
// ON DELETE CASCADE). Deleting a non-existent entity is not an error,
// matching the teacher's delete semantics.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete entity: %w", err)
	}
	return nil
}

// GetRelationship returns the directed edge uniquely identified by
// (sourceEntityID, targetEntityID, desc) within this tenant.
func (s *Store) GetRelationship(ctx context.Context, sourceID, targetID, desc string) (*model.Relationship, error) {
	const q = `
		SELECT id, source_entity_id, target_entity_id, relationship_desc, relationship_desc_embedding, attributes, created_at, updated_at
		FROM   relationships
		WHERE  source_entity_id = $1 AND target_entity_id = $2 AND relationship_desc = $3`
	r, err := scanRelationship(s.pool.QueryRow(ctx, q, sourceID, targetID, desc))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get relationship: %w", err)
	}
	return r, nil
}

// CreateRelationship inserts a new directed edge.
func (s *Store) CreateRelationship(ctx context.Context, r model.Relationship) (*model.Relationship, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	attrsJSON, err := json.Marshal(r.Attributes)
	if err != nil {
		return nil, fmt.Errorf("store: create relationship: marshal attributes: %w", err)
	}
	emb := embeddingParam(r.RelationshipDescEmbedding)

	const q = `
		INSERT INTO relationships (id, source_entity_id, target_entity_id, relationship_desc, relationship_desc_embedding, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING created_at, updated_at`
	if err := s.pool.QueryRow(ctx, q, r.ID, r.SourceEntityID, r.TargetEntityID, r.RelationshipDesc, emb, attrsJSON).
		Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: create relationship: %w", err)
	}
	return &r, nil
}

// UpdateRelationship merges attrs into the relationship's attribute bag,
// optionally replacing the description/embedding when non-empty, and
// refreshes updated_at. Used by the quality optimizer's
// relationship-quality resolver (description + embedding rewrite) and
// elsewhere for attribute-only merges (empty description, nil embedding).
func (s *Store) UpdateRelationship(ctx context.Context, id, description string, embedding []float32, attrs model.Attributes) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("store: update relationship: marshal attrs: %w", err)
	}
	const q = `
		UPDATE relationships
		SET    relationship_desc = CASE WHEN $2 = '' THEN relationship_desc ELSE $2 END,
		       relationship_desc_embedding = COALESCE($3, relationship_desc_embedding),
		       attributes = attributes || $4::jsonb,
		       updated_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, id, description, embeddingParam(embedding), attrsJSON)
	if err != nil {
		return fmt.Errorf("store: update relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ierrors.ErrNotFound
	}
	return nil
}

// DeleteRelationship removes the edge by id. Deleting a non-existent edge
// is not an error.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM relationships WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete relationship: %w", err)
	}
	return nil
}

// RelationshipsByEntity returns every relationship touching entityID,
// either as source or target.
func (s *Store) RelationshipsByEntity(ctx context.Context, entityID string) ([]model.Relationship, error) {
	const q = `
		SELECT id, source_entity_id, target_entity_id, relationship_desc, relationship_desc_embedding, attributes, created_at, updated_at
		FROM   relationships
		WHERE  source_entity_id = $1 OR target_entity_id = $1
		ORDER  BY created_at`
	rows, err := s.pool.Query(ctx, q, entityID)
	if err != nil {
		return nil, fmt.Errorf("store: relationships by entity: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

// GetRelationshipsByIDs returns the relationships whose IDs are in ids, in
// no particular order. IDs with no matching row are silently omitted; used
// by the quality optimizer to re-fetch the relationships named in an Issue.
func (s *Store) GetRelationshipsByIDs(ctx context.Context, ids []string) ([]model.Relationship, error) {
	if len(ids) == 0 {
		return []model.Relationship{}, nil
	}
	const q = `
		SELECT id, source_entity_id, target_entity_id, relationship_desc, relationship_desc_embedding, attributes, created_at, updated_at
		FROM   relationships
		WHERE  id = ANY($1::text[])`
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("store: get relationships by ids: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

// RepointEntityReferences bulk-updates every relationship whose source or
// target is oldEntityID to point at newEntityID instead, used by the
// optimizer's redundancy_entity resolver before the original entities are
// deleted. Relationships that would collapse onto an existing (source,
// target, desc) identity after repointing are left on the old id and
// skipped — ON CONFLICT DO NOTHING on the unique index — rather than
// erroring, since a duplicate edge created by the merge is not itself a
// failure.
func (s *Store) RepointEntityReferences(ctx context.Context, oldEntityID, newEntityID string) error {
	const qSrc = `
		UPDATE relationships
		SET    source_entity_id = $2, updated_at = now()
		WHERE  source_entity_id = $1
		  AND  NOT EXISTS (
		      SELECT 1 FROM relationships r2
		      WHERE r2.source_entity_id = $2
		        AND r2.target_entity_id = relationships.target_entity_id
		        AND r2.relationship_desc = relationships.relationship_desc
		  )`
	if _, err := s.pool.Exec(ctx, qSrc, oldEntityID, newEntityID); err != nil {
		return fmt.Errorf("store: repoint entity references: source: %w", err)
	}

	const qTgt = `
		UPDATE relationships
		SET    target_entity_id = $2, updated_at = now()
		WHERE  target_entity_id = $1
		  AND  NOT EXISTS (
		      SELECT 1 FROM relationships r2
		      WHERE r2.target_entity_id = $2
		        AND r2.source_entity_id = relationships.source_entity_id
		        AND r2.relationship_desc = relationships.relationship_desc
		  )`
	if _, err := s.pool.Exec(ctx, qTgt, oldEntityID, newEntityID); err != nil {
		return fmt.Errorf("store: repoint entity references: target: %w", err)
	}
	return nil
}

// SimilarRelationships performs a pgvector cosine-distance nearest-neighbor
// search over relationships' description embeddings, scoped to topicName,
// used by the quality optimizer's retrieval stage (spec.md §4.H point 1).
func (s *Store) SimilarRelationships(ctx context.Context, topicName string, embedding []float32, topK int) ([]model.Relationship, error) {
	const q = `
		SELECT r.id, r.source_entity_id, r.target_entity_id, r.relationship_desc, r.relationship_desc_embedding, r.attributes, r.created_at, r.updated_at
		FROM   relationships r
		JOIN   entities e ON e.id = r.source_entity_id
		WHERE  e.attributes->>'topic_name' = $1
		  AND  r.relationship_desc_embedding IS NOT NULL
		ORDER  BY r.relationship_desc_embedding <=> $2
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, topicName, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("store: similar relationships: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

// HasSourceMapping reports whether sourceID already contributed at least
// one entity or relationship to the graph — the idempotency guard spec.md
// §4.E stage 3 requires: a source with an existing mapping is skipped on
// re-extraction rather than re-processed.
func (s *Store) HasSourceMapping(ctx context.Context, sourceID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM source_graph_mappings WHERE source_id = $1)`
	var exists bool
	if err := s.pool.QueryRow(ctx, q, sourceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: has source mapping: %w", err)
	}
	return exists, nil
}

// EntitiesByTopic returns every entity belonging to topicName, ordered by
// name. Used by the quality optimizer's retrieval stage to snapshot a
// topic's whole graph.
func (s *Store) EntitiesByTopic(ctx context.Context, topicName string) ([]model.Entity, error) {
	const q = `
		SELECT id, name, description, description_embedding, attributes, created_at, updated_at
		FROM   entities
		WHERE  attributes->>'topic_name' = $1
		ORDER  BY name`
	rows, err := s.pool.Query(ctx, q, topicName)
	if err != nil {
		return nil, fmt.Errorf("store: entities by topic: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// SimilarEntities performs a pgvector cosine-distance nearest-neighbor
// search over entities' description embeddings, scoped to topicName, and
// returns the topK closest matches ordered by ascending distance (most
// similar first).
func (s *Store) SimilarEntities(ctx context.Context, topicName string, embedding []float32, topK int) ([]model.Entity, error) {
	const q = `
		SELECT id, name, description, description_embedding, attributes, created_at, updated_at
		FROM   entities
		WHERE  attributes->>'topic_name' = $1
		  AND  description_embedding IS NOT NULL
		ORDER  BY description_embedding <=> $2
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, topicName, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("store: similar entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// CreateSourceGraphMapping records lineage from a source to a graph
// element it contributed.
func (s *Store) CreateSourceGraphMapping(ctx context.Context, m model.SourceGraphMapping) error {
	attrsJSON, err := json.Marshal(m.Attributes)
	if err != nil {
		return fmt.Errorf("store: create source graph mapping: marshal attributes: %w", err)
	}
	const q = `
		INSERT INTO source_graph_mappings (source_id, graph_element_id, graph_element_type, attributes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, graph_element_id, graph_element_type) DO UPDATE SET attributes = EXCLUDED.attributes`
	if _, err := s.pool.Exec(ctx, q, m.SourceID, m.GraphElementID, string(m.GraphElementType), attrsJSON); err != nil {
		return fmt.Errorf("store: create source graph mapping: %w", err)
	}
	return nil
}

// RewriteGraphElementID repoints every source_graph_mappings row from
// oldID to newID for the given element type — used when the optimizer
// merges two redundant entities or relationships and one ID is retired.
func (s *Store) RewriteGraphElementID(ctx context.Context, elementType model.GraphElementType, oldID, newID string) error {
	const q = `
		UPDATE source_graph_mappings
		SET    graph_element_id = $3
		WHERE  graph_element_type = $1 AND graph_element_id = $2`
	if _, err := s.pool.Exec(ctx, q, string(elementType), oldID, newID); err != nil {
		return fmt.Errorf("store: rewrite graph element id: %w", err)
	}
	return nil
}

// GraphElementIDsForSource returns the entity and relationship IDs a
// source contributed, recovered from its lineage mappings. Used to re-run
// the reasoning-enhancement pass for a document outside a full build.
func (s *Store) GraphElementIDsForSource(ctx context.Context, sourceID string) (entityIDs, relationshipIDs []string, err error) {
	const q = `
		SELECT graph_element_id, graph_element_type
		FROM   source_graph_mappings
		WHERE  source_id = $1`
	rows, err := s.pool.Query(ctx, q, sourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: graph elements for source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, elementType string
		if err := rows.Scan(&id, &elementType); err != nil {
			return nil, nil, err
		}
		switch model.GraphElementType(elementType) {
		case model.ElementEntity:
			entityIDs = append(entityIDs, id)
		case model.ElementRelationship:
			relationshipIDs = append(relationshipIDs, id)
		}
	}
	return entityIDs, relationshipIDs, rows.Err()
}

// SourcesForGraphElement returns the source IDs that contributed to a
// given entity or relationship, used to assemble an Issue's SourceGraph
// snapshot.
func (s *Store) SourcesForGraphElement(ctx context.Context, elementType model.GraphElementType, elementID string) ([]string, error) {
	const q = `
		SELECT source_id
		FROM   source_graph_mappings
		WHERE  graph_element_type = $1 AND graph_element_id = $2`
	rows, err := s.pool.Query(ctx, q, string(elementType), elementID)
	if err != nil {
		return nil, fmt.Errorf("store: sources for graph element: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func embeddingParam(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func collectEntities(rows pgx.Rows) ([]model.Entity, error) {
	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if out == nil {
		out = []model.Entity{}
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var (
		e         model.Entity
		emb       *pgvector.Vector
		attrsJSON []byte
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &emb, &attrsJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if emb != nil {
		e.DescriptionEmbedding = emb.Slice()
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal entity attributes: %w", err)
		}
	}
	if e.Attributes == nil {
		e.Attributes = model.Attributes{}
	}
	return &e, nil
}

func collectRelationships(rows pgx.Rows) ([]model.Relationship, error) {
	var out []model.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if out == nil {
		out = []model.Relationship{}
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (*model.Relationship, error) {
	var (
		r         model.Relationship
		emb       *pgvector.Vector
		attrsJSON []byte
	)
	if err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationshipDesc, &emb, &attrsJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if emb != nil {
		r.RelationshipDescEmbedding = emb.Slice()
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &r.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal relationship attributes: %w", err)
		}
	}
	if r.Attributes == nil {
		r.Attributes = model.Attributes{}
	}
	return &r, nil
}
