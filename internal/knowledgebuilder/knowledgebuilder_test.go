package knowledgebuilder_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/knowledgebuilder"
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

func newTestRegistry(t *testing.T) (*store.Registry, string) {
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
	return reg, dsn
}

func TestUpload_ValidatesBatchPreconditions(t *testing.T) {
	b := knowledgebuilder.New(store.NewRegistry("", 5, 4), &llmmock.Provider{}, &embmock.Provider{Dims: 4}, t.TempDir())
	ctx := context.Background()

	_, err := b.Upload(ctx, nil, "demo", "")
	require.Error(t, err)

	dup := []knowledgebuilder.UploadFile{
		{Link: "a", Filename: "a.txt", Content: []byte("hi")},
		{Link: "a", Filename: "b.txt", Content: []byte("hi")},
	}
	_, err = b.Upload(ctx, dup, "demo", "")
	require.Error(t, err)

	badExt := []knowledgebuilder.UploadFile{
		{Link: "a", Filename: "a.exe", Content: []byte("hi")},
	}
	_, err = b.Upload(ctx, badExt, "demo", "")
	require.Error(t, err)
}

func TestUpload_IngestAndSplitBlocks(t *testing.T) {
	reg, dsn := newTestRegistry(t)
	ctx := context.Background()

	llmClient := &llmmock.Provider{Response: "a short situating context"}
	embClient := &embmock.Provider{Dims: testEmbeddingDim}
	b := knowledgebuilder.New(reg, llmClient, embClient, t.TempDir())

	content := []byte("# Title\n\nFirst paragraph about Alice.\n\nSecond paragraph about Bob.\n")
	files := []knowledgebuilder.UploadFile{
		{Link: "doc-1", Filename: "doc1.md", Content: content},
	}

	result, err := b.Upload(ctx, files, "demo-topic", "")
	require.NoError(t, err)
	require.Equal(t, 1, result.UploadedCount)
	require.Len(t, result.Documents, 1)

	s, err := reg.Get(ctx, dsn)
	require.NoError(t, err)

	source := result.Documents[0]
	blocks, err := b.SplitBlocks(ctx, s, &source)
	require.NoError(t, err)
	require.NotEmpty(t, blocks)

	// Re-uploading the same link must not create a new SourceData row.
	result2, err := b.Upload(ctx, files, "demo-topic", "")
	require.NoError(t, err)
	require.Equal(t, source.ID, result2.Documents[0].ID)
}

func TestUpload_PersistsToDoubledDirectoryLayout(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := t.TempDir()
	b := knowledgebuilder.New(reg, &llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim}, dir)

	files := []knowledgebuilder.UploadFile{
		{Link: "doc-layout", Filename: "notes.txt", Content: []byte("hello")},
	}
	_, err := b.Upload(context.Background(), files, "demo", "")
	require.NoError(t, err)

	expected := filepath.Join(dir, "demo", "notes.txt", "notes.txt")
	_, statErr := os.Stat(expected)
	require.NoError(t, statErr, "file should be persisted at UPLOAD_DIR/<topic>/<filename>/<filename>")
}
