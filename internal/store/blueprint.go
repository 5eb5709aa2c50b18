package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// LatestBlueprint returns the most recently created AnalysisBlueprint for
// topicName, or (nil, nil) when the topic has never had one generated.
// Blueprints are append-only: this is the row triplet extraction should
// use unless the caller explicitly regenerated one.
func (s *Store) LatestBlueprint(ctx context.Context, topicName string) (*model.AnalysisBlueprint, error) {
	const q = `
		SELECT id, topic_name, processing_items, processing_instructions, created_at
		FROM   analysis_blueprints
		WHERE  topic_name = $1
		ORDER  BY created_at DESC
		LIMIT  1`
	bp, err := scanBlueprint(s.pool.QueryRow(ctx, q, topicName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest blueprint: %w", err)
	}
	return bp, nil
}

// CreateBlueprint inserts a new AnalysisBlueprint row. Regeneration always
// inserts rather than updating in place, so prior blueprints remain
// available for audit.
func (s *Store) CreateBlueprint(ctx context.Context, bp model.AnalysisBlueprint) (*model.AnalysisBlueprint, error) {
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	itemsJSON, err := json.Marshal(bp.ProcessingItems)
	if err != nil {
		return nil, fmt.Errorf("store: create blueprint: marshal processing items: %w", err)
	}
	const q = `
		INSERT INTO analysis_blueprints (id, topic_name, processing_items, processing_instructions, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, bp.ID, bp.TopicName, itemsJSON, bp.ProcessingInstructions).Scan(&bp.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: create blueprint: %w", err)
	}
	return &bp, nil
}

func scanBlueprint(row rowScanner) (*model.AnalysisBlueprint, error) {
	var (
		bp        model.AnalysisBlueprint
		itemsJSON []byte
	)
	if err := row.Scan(&bp.ID, &bp.TopicName, &itemsJSON, &bp.ProcessingInstructions, &bp.CreatedAt); err != nil {
		return nil, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &bp.ProcessingItems); err != nil {
			return nil, fmt.Errorf("unmarshal processing items: %w", err)
		}
	}
	return &bp, nil
}
