package searcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kiryaka/localdb/internal/embed"
	localdberrors "github.com/kiryaka/localdb/internal/errors"
	"github.com/kiryaka/localdb/internal/store"
)

// DefaultRerankerFactor is the default oversampling factor applied to the
// ANN search limit, to allow a reranking step.
const DefaultRerankerFactor = 10

// VectorSearcher performs semantic search over document embeddings via an
// ANN index. It wraps an embed.Provider for query embedding and a
// store.VectorStore for the actual index. Thread-safe for concurrent use.
type VectorSearcher struct {
	provider       embed.Provider
	store          store.VectorStore
	rerankerFactor int
	mu             sync.RWMutex
}

// VectorOption configures VectorSearcher.
type VectorOption func(*VectorSearcher)

// WithSearchEmbedder sets the embedding provider used for the query side.
func WithSearchEmbedder(p embed.Provider) VectorOption {
	return func(s *VectorSearcher) {
		s.provider = p
	}
}

// WithSearchVectorStore sets the vector store backend. Pass nil to model
// an index that has not yet been built: Search then returns
// localdberrors.VectorIndexUnavailable.
func WithSearchVectorStore(vs store.VectorStore) VectorOption {
	return func(s *VectorSearcher) {
		s.store = vs
	}
}

// WithRerankerFactor overrides DefaultRerankerFactor.
func WithRerankerFactor(factor int) VectorOption {
	return func(s *VectorSearcher) {
		s.rerankerFactor = factor
	}
}

// NewVectorSearcher creates a new vector searcher. Requires
// WithSearchEmbedder; WithSearchVectorStore may be omitted or nil to model
// an unbuilt index.
func NewVectorSearcher(opts ...VectorOption) (*VectorSearcher, error) {
	s := &VectorSearcher{rerankerFactor: DefaultRerankerFactor}

	for _, opt := range opts {
		opt(s)
	}

	if s.provider == nil {
		return nil, ErrNilEmbedder
	}

	return s, nil
}

// SetVectorStore swaps the backing vector store, used after an index build
// flips the active index without reconstructing the searcher.
func (s *VectorSearcher) SetVectorStore(vs store.VectorStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = vs
}

// Search embeds the query, searches the ANN index at k' = max(k,
// rerankerFactor*k), maps distance to similarity s = 1 - distance clamped
// to [0, 1], sorts descending and truncates to k.
func (s *VectorSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil {
		return nil, localdberrors.VectorIndexUnavailable("no active vector index has been built")
	}

	vectors, err := s.provider.EmbedBatch([]string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query failed: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding provider returned %d vectors for 1 query", len(vectors))
	}

	kPrime := limit
	if oversampled := s.rerankerFactor * limit; oversampled > kPrime {
		kPrime = oversampled
	}

	vectorResults, err := s.store.Search(ctx, vectors[0], kPrime)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]Result, len(vectorResults))
	for i, r := range vectorResults {
		similarity := 1 - float64(r.Distance)
		if similarity < 0 {
			similarity = 0
		}
		if similarity > 1 {
			similarity = 1
		}
		results[i] = Result{ID: r.ID, Score: similarity}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
