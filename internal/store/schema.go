// Package store implements the multi-tenant PostgreSQL storage engine:
// one process-wide registry mapping tenant URI to connection pool, and a
// per-tenant Store exposing CRUD and retrieval operations over the model
// types. Schema migration is idempotent so every tenant connection can
// run it on first use without a separate migration tool.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlContentStore holds the content-addressed blob table. content_hash is
// the primary key; re-uploading identical bytes is a no-op upsert.
const ddlContentStore = `
CREATE TABLE IF NOT EXISTS content_store (
    content_hash TEXT PRIMARY KEY,
    bytes        BYTEA NOT NULL,
    size         BIGINT NOT NULL,
    mime         TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// ddlSourceData holds per-upload metadata. link is unique within a tenant
// database so re-uploading under the same link updates the existing row.
const ddlSourceData = `
CREATE TABLE IF NOT EXISTS source_data (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    link         TEXT NOT NULL UNIQUE,
    mime         TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL REFERENCES content_store(content_hash),
    content      TEXT NOT NULL DEFAULT '',
    attributes   JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// ddlKnowledgeBlocks(dims) holds deduplicated extracted text blocks plus
// their embeddings. hash = sha256(name|content|context) is the dedup key.
func ddlKnowledgeBlocks(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS knowledge_blocks (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    context    TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL,
    kind       TEXT NOT NULL DEFAULT 'paragraph',
    embedding  vector(%d),
    hash       TEXT NOT NULL UNIQUE,
    attributes JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, dims)
}

const ddlKnowledgeBlocksHNSW = `
CREATE INDEX IF NOT EXISTS idx_knowledge_blocks_embedding
    ON knowledge_blocks USING hnsw (embedding vector_cosine_ops)`

const ddlKnowledgeBlocksFTS = `
CREATE INDEX IF NOT EXISTS idx_knowledge_blocks_content_fts
    ON knowledge_blocks USING GIN (to_tsvector('english', content))`

// ddlBlockSourceMappings is the many-to-many join between knowledge blocks
// and the sources that contributed them.
const ddlBlockSourceMappings = `
CREATE TABLE IF NOT EXISTS block_source_mappings (
    block_id           TEXT NOT NULL REFERENCES knowledge_blocks(id) ON DELETE CASCADE,
    source_id          TEXT NOT NULL REFERENCES source_data(id) ON DELETE CASCADE,
    position_in_source INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (block_id, source_id)
)`

// ddlAnalysisBlueprints is append-only: "latest by created_at" for a topic
// is the one in force; regeneration inserts a fresh row rather than
// updating in place.
const ddlAnalysisBlueprints = `
CREATE TABLE IF NOT EXISTS analysis_blueprints (
    id                      TEXT PRIMARY KEY,
    topic_name              TEXT NOT NULL,
    processing_items        JSONB NOT NULL DEFAULT '{}',
    processing_instructions TEXT NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlAnalysisBlueprintsTopicIdx = `
CREATE INDEX IF NOT EXISTS idx_analysis_blueprints_topic_created
    ON analysis_blueprints (topic_name, created_at DESC)`

// ddlEntities(dims) holds graph nodes. Uniqueness per tenant is
// (name, attributes->>'topic_name'), enforced via a unique expression index
// rather than a generated column to keep the migration a single statement.
func ddlEntities(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS entities (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    description           TEXT NOT NULL DEFAULT '',
    description_embedding vector(%d),
    attributes            JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`, dims)
}

const ddlEntitiesUniqueNameTopic = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_name_topic
    ON entities (name, (attributes->>'topic_name'))`

const ddlEntitiesHNSW = `
CREATE INDEX IF NOT EXISTS idx_entities_description_embedding
    ON entities USING hnsw (description_embedding vector_cosine_ops)`

// ddlRelationships(dims) holds directed edges. Uniqueness per tenant is
// (source_entity_id, target_entity_id, relationship_desc).
func ddlRelationships(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS relationships (
    id                          TEXT PRIMARY KEY,
    source_entity_id            TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_entity_id            TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relationship_desc           TEXT NOT NULL,
    relationship_desc_embedding vector(%d),
    attributes                  JSONB NOT NULL DEFAULT '{}',
    created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
)`, dims)
}

const ddlRelationshipsUnique = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_src_tgt_desc
    ON relationships (source_entity_id, target_entity_id, relationship_desc)`

const ddlRelationshipsHNSW = `
CREATE INDEX IF NOT EXISTS idx_relationships_desc_embedding
    ON relationships USING hnsw (relationship_desc_embedding vector_cosine_ops)`

const ddlRelationshipsBySource = `
CREATE INDEX IF NOT EXISTS idx_relationships_source
    ON relationships (source_entity_id)`

const ddlRelationshipsByTarget = `
CREATE INDEX IF NOT EXISTS idx_relationships_target
    ON relationships (target_entity_id)`

// ddlSourceGraphMappings provides lineage from a source to the graph
// element(s) it contributed; merges rewrite graph_element_id but never
// delete rows, so no foreign key to entities/relationships is declared.
const ddlSourceGraphMappings = `
CREATE TABLE IF NOT EXISTS source_graph_mappings (
    source_id          TEXT NOT NULL REFERENCES source_data(id) ON DELETE CASCADE,
    graph_element_id   TEXT NOT NULL,
    graph_element_type TEXT NOT NULL,
    attributes         JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (source_id, graph_element_id, graph_element_type)
)`

const ddlSourceGraphMappingsByElement = `
CREATE INDEX IF NOT EXISTS idx_source_graph_mappings_element
    ON source_graph_mappings (graph_element_id, graph_element_type)`

// ddlGraphBuildStatus is the at-least-once build queue. A row exists both
// in the local store (the scheduler's global view, external_database_uri
// set for tenant rows) and in each tenant store (always external_database_uri
// = ”).
const ddlGraphBuildStatus = `
CREATE TABLE IF NOT EXISTS graph_build_status (
    topic_name            TEXT NOT NULL,
    source_id             TEXT NOT NULL,
    external_database_uri TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'pending',
    scheduled_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    error_message         TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (topic_name, source_id, external_database_uri)
)`

const ddlGraphBuildStatusPending = `
CREATE INDEX IF NOT EXISTS idx_graph_build_status_pending
    ON graph_build_status (status, scheduled_at)
    WHERE status IN ('pending', 'processing')`

const ddlGraphBuildStatusTopicURI = `
CREATE INDEX IF NOT EXISTS idx_graph_build_status_topic_uri
    ON graph_build_status (topic_name, external_database_uri, status)`

// ddlVectorExtension enables pgvector; it must run before any vector(N)
// column is declared.
const ddlVectorExtension = `CREATE EXTENSION IF NOT EXISTS vector`

// statements returns the ordered DDL statements forming a full migration
// for a store whose embeddings have the given dimensionality. Order
// matters: extension before vector columns, tables before their indexes,
// entities before relationships (FK dependency).
func statements(embeddingDimensions int) []string {
	return []string{
		ddlVectorExtension,
		ddlContentStore,
		ddlSourceData,
		ddlKnowledgeBlocks(embeddingDimensions),
		ddlKnowledgeBlocksHNSW,
		ddlKnowledgeBlocksFTS,
		ddlBlockSourceMappings,
		ddlAnalysisBlueprints,
		ddlAnalysisBlueprintsTopicIdx,
		ddlEntities(embeddingDimensions),
		ddlEntitiesUniqueNameTopic,
		ddlEntitiesHNSW,
		ddlRelationships(embeddingDimensions),
		ddlRelationshipsUnique,
		ddlRelationshipsHNSW,
		ddlRelationshipsBySource,
		ddlRelationshipsByTarget,
		ddlSourceGraphMappings,
		ddlSourceGraphMappingsByElement,
		ddlGraphBuildStatus,
		ddlGraphBuildStatusPending,
		ddlGraphBuildStatusTopicURI,
	}
}

// Migrate applies the full schema to pool. It is idempotent: every
// statement uses CREATE ... IF NOT EXISTS, so running it against an
// already-migrated database is a no-op.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	for _, stmt := range statements(embeddingDimensions) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
