package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/httpapi"
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

func newTestRegistry(t *testing.T) *store.Registry {
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
	return reg
}

// multipartUpload builds a multipart/form-data body for the upload handler
// with one file per (link, filename, content) triple plus the given
// top-level form fields.
func multipartUpload(t *testing.T, topic string, files [][3]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("topic_name", topic))
	for _, f := range files {
		require.NoError(t, w.WriteField("links", f[0]))
		part, err := w.CreateFormFile("files", f[1])
		require.NoError(t, err)
		_, err = part.Write([]byte(f[2]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestHandleUpload_MismatchedFilesAndLinksRejected(t *testing.T) {
	reg := store.NewRegistry("", 5, testEmbeddingDim)
	builder := knowledgebuilder.New(reg, &llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim}, t.TempDir())
	_, handler := httpapi.New(builder, reg, &embmock.Provider{Dims: testEmbeddingDim})

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("topic_name", "demo"))
	part, err := w.CreateFormFile("files", "a.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/api/v1/knowledge/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleUpload_MissingTopicNameRejected(t *testing.T) {
	reg := store.NewRegistry("", 5, testEmbeddingDim)
	builder := knowledgebuilder.New(reg, &llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim}, t.TempDir())
	_, handler := httpapi.New(builder, reg, &embmock.Provider{Dims: testEmbeddingDim})

	body, contentType := multipartUpload(t, "", [][3]string{{"a", "a.txt", "hi"}})
	req := httptest.NewRequest("POST", "/api/v1/knowledge/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleUpload_ThenTopics_RoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	builder := knowledgebuilder.New(reg, &llmmock.Provider{Response: "short context"}, &embmock.Provider{Dims: testEmbeddingDim}, t.TempDir())
	_, handler := httpapi.New(builder, reg, &embmock.Provider{Dims: testEmbeddingDim})

	body, contentType := multipartUpload(t, "round-trip-topic", [][3]string{
		{"doc-a", "doc-a.md", "# Title\n\nSome content about Alice.\n"},
	})
	req := httptest.NewRequest("POST", "/api/v1/knowledge/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var uploadResp struct {
		UploadedCount int `json:"uploaded_count"`
		TotalCount    int `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploadResp))
	require.Equal(t, 1, uploadResp.UploadedCount)
	require.Equal(t, 1, uploadResp.TotalCount)

	topicsReq := httptest.NewRequest("GET", "/api/v1/knowledge/topics", nil)
	topicsRec := httptest.NewRecorder()
	handler.ServeHTTP(topicsRec, topicsReq)
	require.Equal(t, 200, topicsRec.Code)

	var counts []store.TopicCount
	require.NoError(t, json.Unmarshal(topicsRec.Body.Bytes(), &counts))
	require.Len(t, counts, 1)
	require.Equal(t, "round-trip-topic", counts[0].TopicName)
	require.Equal(t, 1, counts[0].Pending)
}

func TestHandleMemoryStore_SplitsBlocks(t *testing.T) {
	reg := newTestRegistry(t)
	builder := knowledgebuilder.New(reg, &llmmock.Provider{Response: "a situating context"}, &embmock.Provider{Dims: testEmbeddingDim}, t.TempDir())
	_, handler := httpapi.New(builder, reg, &embmock.Provider{Dims: testEmbeddingDim})

	body := bytes.NewBufferString(`{"topic": "memories", "text": "First note.\n\nSecond note.", "link": "chat-1"}`)
	req := httptest.NewRequest("POST", "/api/v1/memory/store", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var resp struct {
		UploadedCount int `json:"uploaded_count"`
		BlockCount    int `json:"block_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.UploadedCount)
	require.Equal(t, 2, resp.BlockCount, "two paragraphs become two knowledge blocks")
}

func TestHandleTopics_UnreachableTenantReturnsEmptyNotError(t *testing.T) {
	reg := store.NewRegistry("", 5, testEmbeddingDim)
	builder := knowledgebuilder.New(reg, &llmmock.Provider{}, &embmock.Provider{Dims: testEmbeddingDim}, t.TempDir())
	_, handler := httpapi.New(builder, reg, &embmock.Provider{Dims: testEmbeddingDim})

	req := httptest.NewRequest("GET", "/api/v1/knowledge/topics?database_uri=postgres://unreachable-host/db", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var counts []store.TopicCount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Empty(t, counts)
}
