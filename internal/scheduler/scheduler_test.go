package scheduler_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/graphbuilder"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/scheduler"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	embmock "github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings/mock"
	llmmock "github.com/IANTHEREAL/narrative-knowledge/pkg/llm/mock"
)

const testEmbeddingDim = 4

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("NARRATIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NARRATIVE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) (*store.Registry, *store.Store, string) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
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

	reg := store.NewRegistry(dsn, 5, testEmbeddingDim)
	t.Cleanup(reg.CloseAll)
	local, err := reg.Get(ctx, "")
	require.NoError(t, err)
	return reg, local, dsn
}

const cognitiveMapResponse = "```json\n" + `{"summary": "s", "key_entities": ["Alice"], "theme_keywords": [], "important_timeline": []}` + "\n```"
const blueprintResponse = "```json\n" + `{"canonical_entities": [], "key_patterns": {"relationship_patterns": [], "temporal_patterns": [], "narrative_themes": []}, "global_timeline": [], "processing_instructions": "none"}` + "\n```"
const tripletResponse = "```json\n" + `[{"subject": {"name": "Alice", "description": "a trader", "attributes": {}}, "predicate": "visits", "object": {"name": "Harbor", "description": "a port", "attributes": {}}, "relationship_attributes": {"temporal_context": "once", "sentiment": "neutral", "confidence": "medium"}}]` + "\n```"
const enhancementResponse = "```json\n[]\n```"

func TestDaemon_PollOnce_LocalBuild(t *testing.T) {
	_, local, _ := newTestStore(t)
	ctx := context.Background()

	body := []byte("Alice visits the harbor.")
	hash := store.HashContent(body)
	require.NoError(t, local.PutContent(ctx, model.ContentStore{ContentHash: hash, Bytes: body, Size: uint64(len(body)), MIME: "text/plain"}))

	source, err := local.CreateSource(ctx, model.SourceData{
		Name:        "notes.txt",
		Link:        "demo-link",
		MIME:        "text/plain",
		ContentHash: hash,
		Content:     string(body),
	})
	require.NoError(t, err)
	require.NoError(t, local.ScheduleBuild(ctx, "demo-topic", source.ID, ""))

	llmClient := &llmmock.Provider{Responses: []string{cognitiveMapResponse, blueprintResponse, tripletResponse, enhancementResponse}}
	builder := graphbuilder.New(llmClient, &embmock.Provider{Dims: testEmbeddingDim})
	reg := store.NewRegistry("", 5, testEmbeddingDim)
	t.Cleanup(reg.CloseAll)

	d := scheduler.New(local, reg, builder, 0)
	require.NoError(t, d.PollOnce(ctx))

	status, err := d.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Counts.Completed)
	require.Equal(t, 0, status.Counts.Pending)
	require.Equal(t, 0, status.Counts.Failed)
}

func TestDaemon_PollOnce_EmptyQueueIsNoop(t *testing.T) {
	_, local, _ := newTestStore(t)
	ctx := context.Background()

	builder := graphbuilder.New(&llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim})
	reg := store.NewRegistry("", 5, testEmbeddingDim)
	t.Cleanup(reg.CloseAll)

	d := scheduler.New(local, reg, builder, 0)
	require.NoError(t, d.PollOnce(ctx))
}

func TestDaemon_PollOnce_NoContentMarksFailed(t *testing.T) {
	_, local, _ := newTestStore(t)
	ctx := context.Background()

	body := []byte{}
	hash := store.HashContent(body)
	require.NoError(t, local.PutContent(ctx, model.ContentStore{ContentHash: hash, Bytes: body, Size: 0, MIME: "text/plain"}))

	source, err := local.CreateSource(ctx, model.SourceData{
		Name:        "empty.txt",
		Link:        "empty-link",
		MIME:        "text/plain",
		ContentHash: hash,
	})
	require.NoError(t, err)
	require.NoError(t, local.ScheduleBuild(ctx, "demo-topic", source.ID, ""))

	builder := graphbuilder.New(&llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim})
	reg := store.NewRegistry("", 5, testEmbeddingDim)
	t.Cleanup(reg.CloseAll)

	d := scheduler.New(local, reg, builder, 0)
	require.NoError(t, d.PollOnce(ctx))

	status, err := d.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Counts.Failed)
}
