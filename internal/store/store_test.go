package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips
// the test if NARRATIVE_TEST_POSTGRES_DSN is not set. These tests require
// a live PostgreSQL instance with the pgvector extension available and
// are intended to run in CI, not as part of a fast unit-test loop.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("NARRATIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NARRATIVE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestRegistry returns a Registry whose local store has a clean schema.
func newTestRegistry(t *testing.T) (*store.Registry, string) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	reg := store.NewRegistry(dsn, 5, testEmbeddingDim)
	t.Cleanup(reg.CloseAll)
	return reg, dsn
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS source_graph_mappings CASCADE",
		"DROP TABLE IF EXISTS relationships CASCADE",
		"DROP TABLE IF EXISTS entities CASCADE",
		"DROP TABLE IF EXISTS analysis_blueprints CASCADE",
		"DROP TABLE IF EXISTS block_source_mappings CASCADE",
		"DROP TABLE IF EXISTS knowledge_blocks CASCADE",
		"DROP TABLE IF EXISTS source_data CASCADE",
		"DROP TABLE IF EXISTS content_store CASCADE",
		"DROP TABLE IF EXISTS graph_build_status CASCADE",
	} {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

func TestRegistry_IsLocal(t *testing.T) {
	reg := store.NewRegistry("postgres://local/db", 5, testEmbeddingDim)
	if !reg.IsLocal("") {
		t.Error("empty uri should be local")
	}
	if !reg.IsLocal("postgres://local/db") {
		t.Error("matching uri should be local")
	}
	if reg.IsLocal("postgres://tenant/db") {
		t.Error("distinct uri should not be local")
	}
}

func TestContentAndSourceLifecycle(t *testing.T) {
	reg, dsn := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Get(ctx, dsn)
	require.NoError(t, err)

	bytes := []byte("hello narrative world")
	hash := store.HashContent(bytes)
	require.NoError(t, s.PutContent(ctx, model.ContentStore{
		ContentHash: hash,
		Bytes:       bytes,
		Size:        uint64(len(bytes)),
		MIME:        "text/plain",
	}))

	got, err := s.GetContent(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, bytes, got.Bytes)

	sd, err := s.CreateSource(ctx, model.SourceData{
		Name:        "intro.txt",
		Link:        "uploads/topic/intro.txt/intro.txt",
		MIME:        "text/plain",
		ContentHash: hash,
		Content:     "hello narrative world",
		Attributes:  model.Attributes{"topic_name": "topic"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sd.ID)

	byLink, err := s.GetSourceByLink(ctx, sd.Link)
	require.NoError(t, err)
	require.Equal(t, sd.ID, byLink.ID)

	require.NoError(t, s.UpdateSourceAttributes(ctx, sd.ID, model.Attributes{"reviewed": true}))
	refetched, err := s.GetSource(ctx, sd.ID)
	require.NoError(t, err)
	require.Equal(t, true, refetched.Attributes["reviewed"])
}

func TestEntityRelationshipLifecycle(t *testing.T) {
	reg, dsn := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Get(ctx, dsn)
	require.NoError(t, err)

	topic := "castle-politics"
	e1, err := s.CreateEntity(ctx, model.Entity{
		Name:        "Duke Varen",
		Description: "Ruler of the eastern keep",
		Attributes:  model.Attributes{"topic_name": topic},
	})
	require.NoError(t, err)

	e2, err := s.CreateEntity(ctx, model.Entity{
		Name:        "Lady Mirelle",
		Description: "Duke Varen's advisor",
		Attributes:  model.Attributes{"topic_name": topic},
	})
	require.NoError(t, err)

	byName, err := s.GetEntityByName(ctx, "Duke Varen", topic)
	require.NoError(t, err)
	require.Equal(t, e1.ID, byName.ID)

	rel, err := s.CreateRelationship(ctx, model.Relationship{
		SourceEntityID:   e1.ID,
		TargetEntityID:   e2.ID,
		RelationshipDesc: "advised by",
		Attributes:       model.Attributes{"topic_name": topic, "confidence": string(model.ConfidenceHigh)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rel.ID)

	rels, err := s.RelationshipsByEntity(ctx, e1.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)

	require.NoError(t, s.UpdateEntity(ctx, e1.ID, "", "Ruler of the eastern keep, newly crowned", nil, model.Attributes{"crowned": true}))
	updated, err := s.GetEntity(ctx, e1.ID)
	require.NoError(t, err)
	require.Contains(t, updated.Description, "newly crowned")
	require.Equal(t, true, updated.Attributes["crowned"])

	entities, err := s.EntitiesByTopic(ctx, topic)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	require.NoError(t, s.DeleteEntity(ctx, e2.ID))
	remainingRels, err := s.RelationshipsByEntity(ctx, e1.ID)
	require.NoError(t, err)
	require.Len(t, remainingRels, 0, "relationships should cascade-delete with the entity")
}

func TestBuildStatusQueue(t *testing.T) {
	reg, dsn := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Get(ctx, dsn)
	require.NoError(t, err)

	require.NoError(t, s.ScheduleBuild(ctx, "topic-a", "source-1", ""))
	require.NoError(t, s.ScheduleBuild(ctx, "topic-a", "source-2", ""))

	earliest, err := s.EarliestPendingTask(ctx)
	require.NoError(t, err)
	require.Equal(t, "topic-a", earliest.TopicName)

	tasks, err := s.PendingTasksForTopic(ctx, "topic-a", "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	require.NoError(t, s.UpdateTaskStatus(ctx, "topic-a", []string{"source-1", "source-2"}, "", model.BuildProcessing, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, "topic-a", []string{"source-1", "source-2"}, "", model.BuildCompleted, ""))

	status, err := s.CountBuildStatuses(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Completed)
	require.Equal(t, 0, status.Pending)
}

func TestKnowledgeBlockDedup(t *testing.T) {
	reg, dsn := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Get(ctx, dsn)
	require.NoError(t, err)

	hash := store.HashBlock("intro", "Once upon a time", "chapter one")
	kb, err := s.CreateBlock(ctx, model.KnowledgeBlock{
		Name:       "intro",
		Content:    "Once upon a time",
		Context:    "chapter one",
		Hash:       hash,
		Attributes: model.Attributes{"topic_name": "storybook"},
	})
	require.NoError(t, err)

	dupe, err := s.CreateBlock(ctx, model.KnowledgeBlock{
		Name:       "intro-again",
		Content:    "Once upon a time",
		Context:    "chapter one",
		Hash:       hash,
		Attributes: model.Attributes{"topic_name": "storybook"},
	})
	require.NoError(t, err)
	require.Equal(t, kb.ID, dupe.ID, "creating a block with an existing hash must return the original")
}
