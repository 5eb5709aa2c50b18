// Package httpapi implements the thin REST adapter spec.md §6 names as an
// external collaborator: multipart upload, topic-status listing, and a
// minimal personal-memory store/retrieve pair that reuses the Knowledge
// Builder and embeddings Provider rather than duplicating ingestion logic.
// Grounded on spec.md §6's route table and the go-chi router idiom used
// across the pack (e.g. _examples/2lar-b2's interfaces/http/rest/router.go);
// the teacher itself carries no HTTP layer since Glyphoxa is a
// Discord/voice-gateway service, not a REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/knowledgebuilder"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings"
)

// MaxUploadBytes bounds the whole multipart form, leaving headroom over
// knowledgebuilder.MaxFileBytes for several files in one batch.
const MaxUploadBytes = 64 * 1024 * 1024

// Server wires the Knowledge Builder, Store Registry, and embeddings
// Provider the routes below need.
type Server struct {
	Builder    *knowledgebuilder.Builder
	Registry   *store.Registry
	Embeddings embeddings.Provider
}

// New constructs a Server and its chi.Router.
func New(builder *knowledgebuilder.Builder, registry *store.Registry, embedder embeddings.Provider) (*Server, http.Handler) {
	s := &Server{Builder: builder, Registry: registry, Embeddings: embedder}
	return s, s.router()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/knowledge", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Get("/topics", s.handleTopics)
		})
		r.Route("/memory", func(r chi.Router) {
			r.Post("/store", s.handleMemoryStore)
			r.Post("/retrieve", s.handleMemoryRetrieve)
		})
	})
	return r
}

// uploadResponse mirrors spec.md §6's
// {uploaded_count, total_count, documents[], failed[], success_rate}.
type uploadResponse struct {
	UploadedCount int                             `json:"uploaded_count"`
	TotalCount    int                             `json:"total_count"`
	Documents     []model.SourceData              `json:"documents"`
	Failed        []knowledgebuilder.FailedUpload `json:"failed"`
	SuccessRate   float64                         `json:"success_rate"`
}

// handleUpload implements POST /api/v1/knowledge/upload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		if errors.Is(err, http.ErrMissingBoundary) || errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	topicName := r.FormValue("topic_name")
	tenantURI := r.FormValue("database_uri")
	links := r.MultipartForm.Value["links"]
	fileHeaders := r.MultipartForm.File["files"]

	if topicName == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("topic_name is required: %w", ierrors.ErrValidation))
		return
	}
	if len(fileHeaders) != len(links) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("files and links must have equal length: %w", ierrors.ErrValidation))
		return
	}

	files := make([]knowledgebuilder.UploadFile, 0, len(fileHeaders))
	for i, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		content, err := io.ReadAll(io.LimitReader(f, knowledgebuilder.MaxFileBytes+1))
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(content) > knowledgebuilder.MaxFileBytes {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file %q exceeds upload limit", fh.Filename))
			return
		}
		files = append(files, knowledgebuilder.UploadFile{
			Link:     links[i],
			Filename: fh.Filename,
			Content:  content,
		})
	}

	result, err := s.Builder.Upload(r.Context(), files, topicName, tenantURI)
	if err != nil && result == nil {
		writeError(w, statusForErr(err), err)
		return
	}

	resp := uploadResponse{
		UploadedCount: result.UploadedCount,
		TotalCount:    result.TotalCount,
		Documents:     result.Documents,
		Failed:        result.Failed,
		SuccessRate:   result.SuccessRate,
	}
	status := http.StatusOK
	if err != nil {
		// Upload returns a non-nil error alongside a populated result only
		// when every file failed (spec.md §4.D): all-fail is 400.
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// handleTopics implements GET /api/v1/knowledge/topics?database_uri=….
func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	tenantURI := r.URL.Query().Get("database_uri")

	st, err := s.Registry.Get(r.Context(), tenantURI)
	if err != nil {
		// A topic listing never fails on a missing tenant store; the
		// scheduler records the failure in local state instead (spec.md §7).
		slog.Warn("httpapi: topics: tenant store unavailable", "err", err)
		writeJSON(w, http.StatusOK, []store.TopicCount{})
		return
	}

	// st is the resolved tenant's own store (local store when tenantURI is
	// empty/local, otherwise a connection to the external tenant database).
	// Within any store, that store's own build-status rows always carry
	// external_database_uri = "" — only the local store's mirror rows for
	// *other* tenants use a non-empty value, and those aren't this store's
	// own view (internal/store's DESIGN.md open-question resolution).
	counts, err := st.TopicCounts(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// memoryStoreRequest is the personal-memory write shape: a chat turn or
// summary text filed under topic, reusing the Knowledge Builder's ingestion,
// block splitting, and embedding rather than a separate memory-specific
// pipeline (spec.md §1's "Personal-memory API surface … reuses core
// services").
type memoryStoreRequest struct {
	Topic     string `json:"topic"`
	Text      string `json:"text"`
	Link      string `json:"link"`
	TenantURI string `json:"database_uri"`
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	var req memoryStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Topic == "" || req.Text == "" || req.Link == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("topic, text, and link are required: %w", ierrors.ErrValidation))
		return
	}

	result, err := s.Builder.Upload(r.Context(), []knowledgebuilder.UploadFile{{
		Link:     req.Link,
		Filename: req.Link + ".txt",
		Content:  []byte(req.Text),
	}}, req.Topic, req.TenantURI)
	if err != nil && result == nil {
		writeError(w, statusForErr(err), err)
		return
	}

	// Memory text is split into situated, embedded knowledge blocks right
	// away: retrieval reads blocks and entities directly, it does not wait
	// on the build scheduler.
	tenantStore, err := s.Registry.Get(r.Context(), req.TenantURI)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	blockCount := 0
	for i := range result.Documents {
		blocks, err := s.Builder.SplitBlocks(r.Context(), tenantStore, &result.Documents[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		blockCount += len(blocks)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uploaded_count": result.UploadedCount,
		"total_count":    result.TotalCount,
		"documents":      result.Documents,
		"failed":         result.Failed,
		"success_rate":   result.SuccessRate,
		"block_count":    blockCount,
	})
}

// memoryRetrieveRequest asks for the entities whose descriptions are
// semantically closest to query within topic — a read-only shortcut over
// the same embeddings.Provider and store.SimilarEntities the Quality
// Optimizer's retrieval stage uses (spec.md §4.H point 1).
type memoryRetrieveRequest struct {
	Topic     string `json:"topic"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	TenantURI string `json:"database_uri"`
}

func (s *Server) handleMemoryRetrieve(w http.ResponseWriter, r *http.Request) {
	var req memoryRetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Topic == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("topic and query are required: %w", ierrors.ErrValidation))
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	st, err := s.Registry.Get(r.Context(), req.TenantURI)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	vec, err := s.Embeddings.Embed(r.Context(), req.Query)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	entities, err := st.SimilarEntities(r.Context(), req.Topic, vec, req.TopK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func statusForErr(err error) int {
	switch {
	case errors.Is(err, ierrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ierrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
