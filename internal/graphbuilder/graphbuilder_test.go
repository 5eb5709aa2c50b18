package graphbuilder_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/graphbuilder"
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

func newTestStore(t *testing.T) *store.Store {
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
	s, err := reg.Get(ctx, dsn)
	require.NoError(t, err)
	return s
}

const cognitiveMapResponse = "```json\n" + `{
  "summary": "Alice and Bob meet at the harbor and strike an alliance.",
  "key_entities": ["Alice", "Bob"],
  "theme_keywords": ["alliance", "harbor"],
  "important_timeline": ["Alice and Bob meet at the harbor"]
}
` + "```"

const blueprintResponse = "```json\n" + `{
  "canonical_entities": [
    {"name": "Alice", "aliases": [], "type": "person", "description": "A harbor trader.", "primary_source": "doc-1"},
    {"name": "Bob", "aliases": [], "type": "person", "description": "A ship captain.", "primary_source": "doc-1"}
  ],
  "key_patterns": {"relationship_patterns": ["alliance"], "temporal_patterns": [], "narrative_themes": ["trade"]},
  "global_timeline": [{"time": "day 1", "description": "Alice and Bob meet"}],
  "processing_instructions": "Track the Alice/Bob alliance across documents."
}
` + "```"

const tripletResponse = "```json\n" + `[
  {
    "subject": {"name": "Alice", "description": "A harbor trader.", "attributes": {}},
    "predicate": "allies with",
    "object": {"name": "Bob", "description": "A ship captain.", "attributes": {}},
    "relationship_attributes": {
      "temporal_context": "at the harbor on day 1",
      "sentiment": "positive",
      "confidence": "high"
    }
  }
]
` + "```"

const enhancementResponse = "```json\n" + `[
  {
    "subject": {"name": "Alice", "description": "", "attributes": {}, "requires_description_update": false},
    "predicate": "allies with",
    "object": {"name": "Bob", "description": "A seasoned captain who commands the harbor fleet.", "attributes": {}, "requires_description_update": true},
    "relationship_attributes": {"temporal_context": "at the harbor on day 1", "sentiment": "positive", "confidence": "high"}
  }
]
` + "```"

func TestBuild_EndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	llmClient := &llmmock.Provider{Responses: []string{
		cognitiveMapResponse,
		blueprintResponse,
		tripletResponse,
		enhancementResponse,
	}}
	embClient := &embmock.Provider{Dims: testEmbeddingDim}

	b := graphbuilder.New(llmClient, embClient)

	docs := []graphbuilder.Document{
		{SourceID: "doc-1", Name: "harbor-meeting.md", Content: "Alice met Bob at the harbor and they struck an alliance."},
	}

	result, err := b.Build(ctx, s, "demo-topic", docs, false)
	require.NoError(t, err)
	require.Equal(t, 1, result.DocumentsProcessed)
	require.Equal(t, 0, result.DocumentsSkipped)
	require.Equal(t, 2, result.EntitiesCreated)
	require.Equal(t, 1, result.RelationshipsCreated)

	alice, err := s.GetEntityByName(ctx, "Alice", "demo-topic")
	require.NoError(t, err)
	require.NotNil(t, alice)

	bob, err := s.GetEntityByName(ctx, "Bob", "demo-topic")
	require.NoError(t, err)
	require.NotNil(t, bob)
	require.Equal(t, "A seasoned captain who commands the harbor fleet.", bob.Description)

	rel, err := s.GetRelationship(ctx, alice.ID, bob.ID, "allies with")
	require.NoError(t, err)
	require.NotNil(t, rel)

	has, err := s.HasSourceMapping(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, has)

	// A second Build call over the same document must be a no-op: the
	// source already has a mapping, so it is skipped rather than
	// re-extracted (idempotency guard, spec.md §4.E stage 3).
	result2, err := b.Build(ctx, s, "demo-topic", docs, false)
	require.NoError(t, err)
	require.Equal(t, 0, result2.DocumentsProcessed)
	require.Equal(t, 1, result2.DocumentsSkipped)

	// The reasoning-enhancement pass can be re-run standalone after data
	// corrections; repeating it over the same subgraph must not duplicate
	// relationships (identity is (src, tgt, desc)).
	require.NoError(t, b.Enhance(ctx, s, "demo-topic", docs[0]))
	rels, err := s.RelationshipsByEntity(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
}

func TestBuild_NoPendingDocumentsIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := graphbuilder.New(&llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim})

	result, err := b.Build(ctx, s, "empty-topic", nil, false)
	require.NoError(t, err)
	require.Equal(t, 0, result.DocumentsProcessed)
	require.Equal(t, 0, result.DocumentsSkipped)
}
