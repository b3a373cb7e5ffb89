// Package search finds the chunks nearest to a query vector.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// Hit is one search result.
type Hit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
}

// Searcher indexes chunk embeddings and answers nearest-neighbour queries.
type Searcher interface {
	// Index makes chunks with an embedding searchable. Chunks without
	// one are skipped.
	Index(ctx context.Context, chunks []doctree.Chunk) error
	// Search returns up to topK hits ordered by descending score.
	Search(ctx context.Context, vec []float32, topK int) ([]Hit, error)
	// Remove drops chunks from the index. Unknown ids are ignored.
	Remove(ctx context.Context, chunkIDs []string) error
}

// FilterByScore keeps hits scoring at least min, preserving order.
func FilterByScore(hits []Hit, min float32) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= min {
			out = append(out, h)
		}
	}
	return out
}

// ChunkIDs returns the chunk ids of hits in order.
func ChunkIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return ids
}

// EmbeddingScanner streams stored chunk embeddings.
type EmbeddingScanner interface {
	ScanEmbeddings(ctx context.Context, fn func(chunkID string, vec []float32) error) error
}

// Local searches by brute-force cosine similarity over the embeddings kept
// in the hierarchical store, so indexing and removal need no extra work.
type Local struct {
	src EmbeddingScanner
}

var _ Searcher = (*Local)(nil)

// NewLocal creates a Local searcher over src.
func NewLocal(src EmbeddingScanner) *Local {
	return &Local{src: src}
}

// Index is a no-op. Embeddings are written with the chunks.
func (l *Local) Index(context.Context, []doctree.Chunk) error { return nil }

// Remove is a no-op. Embeddings are deleted with the chunks.
func (l *Local) Remove(context.Context, []string) error { return nil }

// Search scores every stored embedding against vec.
func (l *Local) Search(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	var hits []Hit
	err := l.src.ScanEmbeddings(ctx, func(id string, emb []float32) error {
		if len(emb) != len(vec) {
			return nil
		}
		hits = append(hits, Hit{ChunkID: id, Score: cosineSimilarity(vec, emb)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
