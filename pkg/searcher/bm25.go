package searcher

import (
	"context"
	"sync"

	"github.com/kiryaka/localdb/internal/chunk"
	localdberrors "github.com/kiryaka/localdb/internal/errors"
	"github.com/kiryaka/localdb/internal/store"
)

// BM25Searcher is the lexical adapter: it bundles indexing and search over
// a store.BM25Index so a single type can serve both the ingest and query
// paths.
//
// Thread-safe for concurrent use.
type BM25Searcher struct {
	store  store.BM25Index
	mu     sync.RWMutex
	closed bool
}

// BM25Option configures BM25Searcher.
type BM25Option func(*BM25Searcher)

// WithBM25Store sets the BM25 store backend.
func WithBM25Store(s store.BM25Index) BM25Option {
	return func(searcher *BM25Searcher) {
		searcher.store = s
	}
}

// NewBM25Searcher creates a new BM25 searcher.
//
// Requires WithBM25Store option. Returns ErrNilBM25Store if store is nil.
func NewBM25Searcher(opts ...BM25Option) (*BM25Searcher, error) {
	s := &BM25Searcher{}

	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		return nil, ErrNilBM25Store
	}

	return s, nil
}

// Search executes a BM25 search and returns ranked results.
//
// The query is passed directly to the BM25 index.
// Returns an empty slice if no results match.
func (s *BM25Searcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bm25Results, err := s.store.Search(ctx, query, limit)
	if err != nil {
		return nil, localdberrors.IOError("BM25 search failed", err)
	}

	results := make([]Result, len(bm25Results))
	for i, r := range bm25Results {
		results[i] = Result{
			ID:           r.DocID,
			Score:        r.Score,
			MatchedTerms: r.MatchedTerms,
		}
	}

	return results, nil
}

// Index adds chunks produced during ingest to the BM25 index.
//
// Chunks are converted to documents keyed by chunk ID. Empty or nil slices
// are no-ops that return nil. Thread-safe.
func (s *BM25Searcher) Index(ctx context.Context, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]*store.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = &store.Document{
			ID:      c.ID,
			Content: c.Content,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Index(ctx, docs); err != nil {
		return localdberrors.IOError("BM25 index", err)
	}

	return nil
}

// Delete removes chunks by ID from the BM25 index.
//
// Non-existent IDs are silently ignored. Empty or nil slices are no-ops.
// Thread-safe.
func (s *BM25Searcher) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, ids); err != nil {
		return localdberrors.IOError("BM25 delete", err)
	}

	return nil
}

// Clear removes all content from the BM25 index.
func (s *BM25Searcher) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.AllIDs()
	if err != nil {
		return localdberrors.IOError("BM25 get all IDs", err)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := s.store.Delete(ctx, ids); err != nil {
		return localdberrors.IOError("BM25 clear", err)
	}

	return nil
}

// IndexStats returns current lexical index statistics.
func (s *BM25Searcher) IndexStats() *store.IndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.store.Stats()
}

// Close releases the underlying BM25 store. Idempotent.
func (s *BM25Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.store.Close(); err != nil {
		return localdberrors.IOError("BM25 close", err)
	}

	return nil
}
