package optimizer

import (
	"context"
	"fmt"
	"math"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

// retrieve implements spec.md §4.H point 1: a vector similarity search over
// relationship descriptions, scoped to topic and bounded by top_k, with
// entities pulled in as the endpoints of matched relationships. The store's
// SimilarRelationships query already orders by ascending cosine distance
// and caps at top_k; similarity_threshold is enforced here as an
// additional local cutoff computed from the embeddings the query already
// returns, since the underlying query does not surface distance scores —
// an adaptation of original_source/opt/graph_retrieval.py's raw-SQL
// threshold filter to this package's pgvector-backed store methods.
func (o *Optimizer) retrieve(ctx context.Context, tenantStore *store.Store, topic, query string) (RetrievedGraph, error) {
	if o.Embeddings == nil {
		return RetrievedGraph{}, fmt.Errorf("optimizer: retrieve: no embeddings provider configured")
	}
	queryVec, err := o.Embeddings.Embed(ctx, query)
	if err != nil {
		return RetrievedGraph{}, fmt.Errorf("optimizer: embed retrieval query: %w", err)
	}

	candidates, err := tenantStore.SimilarRelationships(ctx, topic, queryVec, o.topK())
	if err != nil {
		return RetrievedGraph{}, fmt.Errorf("optimizer: similar relationships: %w", err)
	}

	rels := make([]model.Relationship, 0, len(candidates))
	entityIDs := make(map[string]struct{})
	for _, r := range candidates {
		if cosineSimilarity(queryVec, r.RelationshipDescEmbedding) < o.Config.SimilarityThreshold {
			continue
		}
		rels = append(rels, r)
		entityIDs[r.SourceEntityID] = struct{}{}
		entityIDs[r.TargetEntityID] = struct{}{}
	}

	ids := make([]string, 0, len(entityIDs))
	for id := range entityIDs {
		ids = append(ids, id)
	}
	entities, err := tenantStore.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		return RetrievedGraph{}, fmt.Errorf("optimizer: entities by ids: %w", err)
	}

	return RetrievedGraph{Entities: entities, Relationships: rels}, nil
}

func (o *Optimizer) topK() int {
	if o.Config.TopK <= 0 {
		return 30
	}
	return o.Config.TopK
}

// cosineSimilarity returns the cosine similarity of a and b, or 0 when
// either vector is empty or zero-length (no embedding available).
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
