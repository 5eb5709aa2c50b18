// Package knowledgebuilder implements the ETL entry point (spec.md §4.D):
// validating an upload batch, running content-addressed ingestion and
// block splitting (§4.B/§4.C), and emitting the build-queue rows the
// scheduler later drains. Grounded on the teacher's layered
// config/provider-wiring style; the ingestion algorithm itself follows
// original_source/knowledge_graph/graph_builder_daemon.py's task-creation
// half (the daemon consumes what this package produces).
package knowledgebuilder

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/IANTHEREAL/narrative-knowledge/internal/blocksplit"
	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
	"github.com/IANTHEREAL/narrative-knowledge/internal/tokencount"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/embeddings"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/extractor"
	"github.com/IANTHEREAL/narrative-knowledge/pkg/llm"
)

// MaxFileBytes is the closed per-file size limit spec.md §4.D/§6 mandates.
const MaxFileBytes = 10 * 1024 * 1024

// UploadFile is one file in an Upload batch: its caller-supplied link
// (dedup key), original filename, and raw bytes.
type UploadFile struct {
	Link     string
	Filename string
	Content  []byte
}

// FailedUpload reports one file that did not make it into the batch.
type FailedUpload struct {
	Link  string
	Error string
}

// BatchResult is Upload's return shape, matching spec.md §6's
// `{uploaded_count, total_count, documents[], failed[], success_rate}`.
type BatchResult struct {
	UploadedCount int
	TotalCount    int
	Documents     []model.SourceData
	Failed        []FailedUpload
	SuccessRate   float64
}

// Builder wires the Store Registry, LLM, embeddings, and extractor
// collaborators the ETL entry point needs.
type Builder struct {
	Registry   *store.Registry
	LLM        llm.Provider
	Embeddings embeddings.Provider
	Extractors *extractor.Registry
	UploadDir  string
}

// New constructs a Builder. uploadDir is the root directory files are
// persisted under, following UPLOAD_DIR/<topic>/<filename>/<filename>
// (spec.md §6).
func New(registry *store.Registry, llmClient llm.Provider, embedder embeddings.Provider, uploadDir string) *Builder {
	return &Builder{
		Registry:   registry,
		LLM:        llmClient,
		Embeddings: embedder,
		Extractors: extractor.NewRegistry(),
		UploadDir:  uploadDir,
	}
}

// Upload validates the batch preconditions, then ingests each file in turn,
// reporting per-file failures rather than aborting the whole batch. The
// batch succeeds (is returned without error) whenever at least one file
// succeeds; the caller maps an all-fail result to HTTP 400 per spec.md §4.D.
func (b *Builder) Upload(ctx context.Context, files []UploadFile, topicName, tenantURI string) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("knowledgebuilder: empty batch: %w", ierrors.ErrValidation)
	}
	if err := validateLinks(files); err != nil {
		return nil, err
	}
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		if !extractor.IsAllowedExtension(ext) {
			return nil, fmt.Errorf("knowledgebuilder: extension %q not allowed: %w", ext, ierrors.ErrValidation)
		}
		if len(f.Content) > MaxFileBytes {
			return nil, fmt.Errorf("knowledgebuilder: file %q exceeds %d bytes: %w", f.Filename, MaxFileBytes, ierrors.ErrValidation)
		}
	}
	if tenantURI != "" && !b.Registry.IsLocal(tenantURI) {
		if err := b.Registry.Validate(ctx, tenantURI); err != nil {
			return nil, fmt.Errorf("knowledgebuilder: validate tenant: %w: %w", err, ierrors.ErrStoreUnavailable)
		}
	}

	tenantStore, err := b.Registry.Get(ctx, tenantURI)
	if err != nil {
		return nil, fmt.Errorf("knowledgebuilder: resolve tenant store: %w", err)
	}
	var localStore *store.Store
	isLocal := b.Registry.IsLocal(tenantURI)
	if !isLocal {
		localStore, err = b.Registry.Get(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("knowledgebuilder: resolve local store: %w", err)
		}
	}

	result := &BatchResult{TotalCount: len(files)}
	for _, f := range files {
		sd, err := b.uploadOne(ctx, f, topicName, tenantURI, tenantStore, localStore, isLocal)
		if err != nil {
			slog.Warn("knowledgebuilder: file upload failed", "link", f.Link, "err", err)
			result.Failed = append(result.Failed, FailedUpload{Link: f.Link, Error: err.Error()})
			continue
		}
		result.Documents = append(result.Documents, *sd)
		result.UploadedCount++
	}

	if result.TotalCount > 0 {
		result.SuccessRate = float64(result.UploadedCount) / float64(result.TotalCount)
	}
	if result.UploadedCount == 0 {
		return result, fmt.Errorf("knowledgebuilder: all files failed: %w", ierrors.ErrValidation)
	}
	return result, nil
}

func (b *Builder) uploadOne(ctx context.Context, f UploadFile, topicName, tenantURI string, tenantStore, localStore *store.Store, isLocal bool) (*model.SourceData, error) {
	path, err := b.persist(topicName, f)
	if err != nil {
		return nil, fmt.Errorf("knowledgebuilder: persist file: %w", err)
	}

	sd, err := b.Ingest(ctx, tenantStore, path, f.Link, f.Filename, model.Attributes{"doc_link": f.Link})
	if err != nil {
		return nil, err
	}

	if err := tenantStore.ScheduleBuild(ctx, topicName, sd.ID, ""); err != nil {
		return nil, fmt.Errorf("knowledgebuilder: schedule tenant build: %w", err)
	}
	if !isLocal {
		if err := localStore.ScheduleBuild(ctx, topicName, sd.ID, tenantURI); err != nil {
			// Tenant-first, local-second: the tenant row already exists and is
			// visible to the tenant even though the scheduler cannot see it yet.
			// Per spec.md §4.D this is not rolled back; the tenant must retry.
			return nil, fmt.Errorf("knowledgebuilder: mirror local build row: %w", err)
		}
	}
	return sd, nil
}

// persist writes raw bytes to UPLOAD_DIR/<topic>/<filename>/<filename>, the
// doubled directory spec.md §6 specifies so that per-file siblings
// (extracted text caches, etc.) can live alongside the original without
// name collisions across files sharing a name in different topics.
func (b *Builder) persist(topicName string, f UploadFile) (string, error) {
	dir := filepath.Join(b.UploadDir, topicName, f.Filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, f.Filename)
	if err := os.WriteFile(path, f.Content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Ingest implements spec.md §4.B/§4.C: idempotent content-addressed intake.
// link is the dedup key; a SourceData already using link is returned
// unchanged without re-reading the file.
func (b *Builder) Ingest(ctx context.Context, tenantStore *store.Store, path, link, name string, attrs model.Attributes) (*model.SourceData, error) {
	if existing, err := tenantStore.GetSourceByLink(ctx, link); err != nil {
		return nil, fmt.Errorf("knowledgebuilder: check existing link: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledgebuilder: read file: %w", err)
	}
	contentHash := hashBytes(raw)
	mime, text, err := b.Extractors.ExtractContent(ctx, path)
	if err != nil {
		return nil, err
	}

	if existing, err := tenantStore.GetContent(ctx, contentHash); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("knowledgebuilder: check content store: %w", err)
	} else if existing == nil {
		if err := tenantStore.PutContent(ctx, model.ContentStore{
			ContentHash: contentHash,
			Bytes:       raw,
			Size:        uint64(len(raw)),
			MIME:        mime,
		}); err != nil {
			return nil, fmt.Errorf("knowledgebuilder: put content: %w", err)
		}
	}

	sd, err := tenantStore.CreateSource(ctx, model.SourceData{
		Name:        name,
		Link:        link,
		MIME:        mime,
		ContentHash: contentHash,
		Content:     text,
		Attributes:  attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledgebuilder: create source: %w", err)
	}
	return sd, nil
}

// SplitBlocks implements spec.md §4.B's block-splitting stage: a
// mime-specific parse into ordered Blocks, deduplication by content hash,
// a situated-context LLM call per new block, and embedding over
// "<context>\n…\n</context>\n\n<block>".
func (b *Builder) SplitBlocks(ctx context.Context, tenantStore *store.Store, source *model.SourceData) ([]model.KnowledgeBlock, error) {
	parsed := blocksplit.Split(source.MIME, source.Content)
	out := make([]model.KnowledgeBlock, 0, len(parsed))

	for _, blk := range parsed {
		situated, err := b.situateContext(ctx, source.Content, blk.Content)
		if err != nil {
			slog.Warn("knowledgebuilder: situated context generation failed, continuing without it", "source_id", source.ID, "err", err)
			situated = ""
		}

		hash := store.HashBlock(blk.Name, blk.Content, situated)
		existing, err := tenantStore.GetBlockByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("knowledgebuilder: lookup block by hash: %w", err)
		}

		var kb *model.KnowledgeBlock
		if existing != nil {
			kb = existing
		} else {
			if tokencount.ExceedsWarningThreshold(blk.Content) {
				slog.Warn("knowledgebuilder: block exceeds token warning threshold", "source_id", source.ID, "block", blk.Name)
			}

			embedText := situated
			if embedText != "" {
				embedText = "<context>\n" + embedText + "\n</context>\n\n<block>" + blk.Content
			} else {
				embedText = blk.Content
			}
			vec, err := b.Embeddings.Embed(ctx, embedText)
			if err != nil {
				return nil, fmt.Errorf("knowledgebuilder: embed block: %w", err)
			}

			created, err := tenantStore.CreateBlock(ctx, model.KnowledgeBlock{
				Name:      blk.Name,
				Context:   situated,
				Content:   blk.Content,
				Kind:      model.KnowledgeBlockKind(blk.Kind),
				Embedding: vec,
				Hash:      hash,
			})
			if err != nil {
				return nil, fmt.Errorf("knowledgebuilder: create block: %w", err)
			}
			kb = created
		}

		if err := tenantStore.EnsureBlockSourceMapping(ctx, model.BlockSourceMapping{
			BlockID:          kb.ID,
			SourceID:         source.ID,
			PositionInSource: blk.Position,
		}); err != nil {
			return nil, fmt.Errorf("knowledgebuilder: ensure block source mapping: %w", err)
		}
		out = append(out, *kb)
	}
	return out, nil
}

// situateContext asks the LLM for a one- or two-sentence summary placing
// block within the whole document, per spec.md §4.B's "situated context"
// requirement (the same "contextual retrieval" idea go-light-rag's insert
// pipeline performs before embedding a chunk).
func (b *Builder) situateContext(ctx context.Context, document, block string) (string, error) {
	if b.LLM == nil {
		return "", nil
	}
	prompt := fmt.Sprintf(
		"Document:\n%s\n\nGiven the document above, write a short (1-2 sentence) "+
			"context that situates the following block within the overall document, "+
			"to improve search retrieval of the block. Answer only with the context.\n\nBlock:\n%s",
		truncate(document, 20000), block)
	resp, err := b.LLM.Generate(ctx, prompt, 256)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

func validateLinks(files []UploadFile) error {
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if f.Link == "" {
			return fmt.Errorf("knowledgebuilder: empty link: %w", ierrors.ErrValidation)
		}
		if _, ok := seen[f.Link]; ok {
			return fmt.Errorf("knowledgebuilder: duplicate link %q: %w", f.Link, ierrors.ErrValidation)
		}
		seen[f.Link] = struct{}{}
	}
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isNotFound(err error) bool {
	return errors.Is(err, ierrors.ErrNotFound)
}
