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

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// HashContent returns the hex-encoded sha256 digest used as
// ContentStore's primary key, matching the content-addressed dedup the
// ingestion path relies on.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PutContent upserts a content-addressed blob. When a row with the same
// hash already exists the bytes are assumed identical (same hash, same
// content) and only the call is a no-op; this avoids re-writing
// potentially large BYTEA payloads on every duplicate upload.
func (s *Store) PutContent(ctx context.Context, c model.ContentStore) error {
	const q = `
		INSERT INTO content_store (content_hash, bytes, size, mime, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (content_hash) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, c.ContentHash, c.Bytes, c.Size, c.MIME); err != nil {
		return fmt.Errorf("store: put content: %w", err)
	}
	return nil
}

// GetContent retrieves a blob by its hash. Returns ierrors.ErrNotFound
// when absent.
func (s *Store) GetContent(ctx context.Context, hash string) (*model.ContentStore, error) {
	const q = `
		SELECT content_hash, bytes, size, mime, created_at
		FROM   content_store
		WHERE  content_hash = $1`
	var c model.ContentStore
	err := s.pool.QueryRow(ctx, q, hash).Scan(&c.ContentHash, &c.Bytes, &c.Size, &c.MIME, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ierrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get content: %w", err)
	}
	return &c, nil
}

// GetSourceByLink returns the SourceData row for link, or (nil, nil) when
// no upload has used that link yet — this is the re-upload dedup check
// the knowledge builder runs before ingesting a new file.
func (s *Store) GetSourceByLink(ctx context.Context, link string) (*model.SourceData, error) {
	const q = `
		SELECT id, name, link, mime, content_hash, content, attributes, created_at
		FROM   source_data
		WHERE  link = $1`
	row := s.pool.QueryRow(ctx, q, link)
	sd, err := scanSourceData(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get source by link: %w", err)
	}
	return sd, nil
}

// GetSource returns the SourceData row by id. Returns ierrors.ErrNotFound
// when absent.
func (s *Store) GetSource(ctx context.Context, id string) (*model.SourceData, error) {
	const q = `
		SELECT id, name, link, mime, content_hash, content, attributes, created_at
		FROM   source_data
		WHERE  id = $1`
	sd, err := scanSourceData(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ierrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get source: %w", err)
	}
	return sd, nil
}

// CreateSource inserts a new SourceData row. The caller is responsible
// for generating a unique link (typically UPLOAD_DIR/<topic>/<file>/<file>)
// before calling; an existing link is a conflict the caller should check
// for with GetSourceByLink first.
func (s *Store) CreateSource(ctx context.Context, sd model.SourceData) (*model.SourceData, error) {
	if sd.ID == "" {
		sd.ID = uuid.NewString()
	}
	attrsJSON, err := json.Marshal(sd.Attributes)
	if err != nil {
		return nil, fmt.Errorf("store: create source: marshal attributes: %w", err)
	}
	const q = `
		INSERT INTO source_data (id, name, link, mime, content_hash, content, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, sd.ID, sd.Name, sd.Link, sd.MIME, sd.ContentHash, sd.Content, attrsJSON).Scan(&sd.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: create source: %w", err)
	}
	return &sd, nil
}

// UpdateSourceAttributes merges attrs into the existing attributes bag
// using jsonb's || operator, analogous to entity/relationship attribute
// merges elsewhere in the store.
func (s *Store) UpdateSourceAttributes(ctx context.Context, id string, attrs model.Attributes) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("store: update source attributes: marshal: %w", err)
	}
	const q = `UPDATE source_data SET attributes = attributes || $2::jsonb WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, attrsJSON)
	if err != nil {
		return fmt.Errorf("store: update source attributes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ierrors.ErrNotFound
	}
	return nil
}

// SourceDataForElements returns the distinct SourceData rows that
// contributed to any of elementIDs (of elementType), joining through
// source_graph_mappings. Used by the quality optimizer to assemble the
// token-budgeted "source chunks" context for refine/merge prompts.
func (s *Store) SourceDataForElements(ctx context.Context, elementType model.GraphElementType, elementIDs []string) ([]model.SourceData, error) {
	if len(elementIDs) == 0 {
		return []model.SourceData{}, nil
	}
	const q = `
		SELECT DISTINCT sd.id, sd.name, sd.link, sd.mime, sd.content_hash, sd.content, sd.attributes, sd.created_at
		FROM   source_data sd
		JOIN   source_graph_mappings m ON m.source_id = sd.id
		WHERE  m.graph_element_type = $1 AND m.graph_element_id = ANY($2::text[])`
	rows, err := s.pool.Query(ctx, q, string(elementType), elementIDs)
	if err != nil {
		return nil, fmt.Errorf("store: source data for elements: %w", err)
	}
	defer rows.Close()

	var out []model.SourceData
	for rows.Next() {
		sd, err := scanSourceData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sd)
	}
	if out == nil {
		out = []model.SourceData{}
	}
	return out, rows.Err()
}

func scanSourceData(row rowScanner) (*model.SourceData, error) {
	var (
		sd        model.SourceData
		attrsJSON []byte
	)
	if err := row.Scan(&sd.ID, &sd.Name, &sd.Link, &sd.MIME, &sd.ContentHash, &sd.Content, &attrsJSON, &sd.CreatedAt); err != nil {
		return nil, err
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &sd.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal source attributes: %w", err)
		}
	}
	if sd.Attributes == nil {
		sd.Attributes = model.Attributes{}
	}
	return &sd, nil
}
