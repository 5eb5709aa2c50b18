package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// HashBlock returns the dedup key for a KnowledgeBlock: sha256 of
// name|content|context, matching the ContentStore-style content addressing
// used across the ingestion pipeline.
func HashBlock(name, content, context string) string {
	sum := sha256.Sum256([]byte(name + "|" + content + "|" + context))
	return hex.EncodeToString(sum[:])
}

// GetBlockByHash returns the existing KnowledgeBlock for hash, or
// (nil, nil) when no block with that content has been seen before.
func (s *Store) GetBlockByHash(ctx context.Context, hash string) (*model.KnowledgeBlock, error) {
	const q = `
		SELECT id, name, context, content, kind, embedding, hash, attributes, created_at
		FROM   knowledge_blocks
		WHERE  hash = $1`
	kb, err := scanBlock(s.pool.QueryRow(ctx, q, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get block by hash: %w", err)
	}
	return kb, nil
}

// CreateBlock inserts a new deduplicated KnowledgeBlock. Callers must
// check GetBlockByHash first; CreateBlock does not itself dedupe so that
// the caller can distinguish "new block" from "existing block reused" for
// BlockSourceMapping bookkeeping.
func (s *Store) CreateBlock(ctx context.Context, kb model.KnowledgeBlock) (*model.KnowledgeBlock, error) {
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	if kb.Kind == "" {
		kb.Kind = model.BlockParagraph
	}
	attrsJSON, err := json.Marshal(kb.Attributes)
	if err != nil {
		return nil, fmt.Errorf("store: create block: marshal attributes: %w", err)
	}

	var emb *pgvector.Vector
	if len(kb.Embedding) > 0 {
		v := pgvector.NewVector(kb.Embedding)
		emb = &v
	}

	const q = `
		INSERT INTO knowledge_blocks (id, name, context, content, kind, embedding, hash, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (hash) DO NOTHING
		RETURNING created_at`
	err = s.pool.QueryRow(ctx, q, kb.ID, kb.Name, kb.Context, kb.Content, string(kb.Kind), emb, kb.Hash, attrsJSON).Scan(&kb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetBlockByHash(ctx, kb.Hash)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: create block: %w", err)
	}
	return &kb, nil
}

// SetBlockEmbedding writes the computed description embedding for a block
// produced without one (e.g. before the embedding stage runs).
func (s *Store) SetBlockEmbedding(ctx context.Context, id string, embedding []float32) error {
	const q = `UPDATE knowledge_blocks SET embedding = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("store: set block embedding: %w", err)
	}
	return nil
}

// EnsureBlockSourceMapping inserts the join row if absent; re-ingesting
// the same block from the same source at the same position is a no-op.
func (s *Store) EnsureBlockSourceMapping(ctx context.Context, m model.BlockSourceMapping) error {
	const q = `
		INSERT INTO block_source_mappings (block_id, source_id, position_in_source)
		VALUES ($1, $2, $3)
		ON CONFLICT (block_id, source_id) DO UPDATE SET position_in_source = EXCLUDED.position_in_source`
	if _, err := s.pool.Exec(ctx, q, m.BlockID, m.SourceID, m.PositionInSource); err != nil {
		return fmt.Errorf("store: ensure block source mapping: %w", err)
	}
	return nil
}

// BlocksBySource returns every KnowledgeBlock contributed by sourceID,
// ordered by their position within that source.
func (s *Store) BlocksBySource(ctx context.Context, sourceID string) ([]model.KnowledgeBlock, error) {
	const q = `
		SELECT kb.id, kb.name, kb.context, kb.content, kb.kind, kb.embedding, kb.hash, kb.attributes, kb.created_at
		FROM   knowledge_blocks kb
		JOIN   block_source_mappings m ON m.block_id = kb.id
		WHERE  m.source_id = $1
		ORDER  BY m.position_in_source`
	rows, err := s.pool.Query(ctx, q, sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: blocks by source: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeBlock
	for rows.Next() {
		kb, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("store: blocks by source: scan: %w", err)
		}
		out = append(out, *kb)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*model.KnowledgeBlock, error) {
	var (
		kb        model.KnowledgeBlock
		kind      string
		emb       *pgvector.Vector
		attrsJSON []byte
	)
	if err := row.Scan(&kb.ID, &kb.Name, &kb.Context, &kb.Content, &kind, &emb, &kb.Hash, &attrsJSON, &kb.CreatedAt); err != nil {
		return nil, err
	}
	kb.Kind = model.KnowledgeBlockKind(kind)
	if emb != nil {
		kb.Embedding = emb.Slice()
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &kb.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal block attributes: %w", err)
		}
	}
	if kb.Attributes == nil {
		kb.Attributes = model.Attributes{}
	}
	return &kb, nil
}
