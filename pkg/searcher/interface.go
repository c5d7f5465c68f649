package searcher

import (
	"context"
	"errors"
	"time"
)

// ErrNilBM25Store is returned when attempting to create a BM25Searcher without a store.
var ErrNilBM25Store = errors.New("BM25 store is required")

// ErrNilEmbedder is returned when attempting to create a VectorSearcher without an embedder.
var ErrNilEmbedder = errors.New("embedder is required")

// ErrNilVectorStore is returned when attempting to create a VectorSearcher without a store.
var ErrNilVectorStore = errors.New("vector store is required")

// ErrNoSearchers is returned when attempting to create a FusionSearcher without any searchers.
var ErrNoSearchers = errors.New("at least one searcher is required")

// Searcher performs search operations and returns ranked results.
//
// Implementations must be thread-safe for concurrent use.
type Searcher interface {
	// Search executes a search query and returns ranked results.
	//
	// Parameters:
	//   - ctx: Context for cancellation and deadlines
	//   - query: The search query string
	//   - limit: Maximum number of results to return
	//
	// Returns an empty slice (not nil) if no results match.
	// Returns an error if the search fails.
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Result represents a single search result.
type Result struct {
	// ID is the unique identifier for the matched chunk.
	ID string

	// Score is the relevance score; higher scores indicate more relevant
	// results. Vector hits carry a similarity in [0, 1]; lexical hits carry
	// the raw, unnormalized BM25 score.
	Score float64

	// MatchedTerms contains the query terms that matched (BM25 only).
	// May be empty for vector search results.
	MatchedTerms []string

	// Partial is set when a FusionSearcher's per-query timeout elapsed
	// before both the lexical and vector source finished, and this result
	// reflects only the source that completed in time.
	Partial bool
}

// FusionConfig configures the hybrid fuser.
//
// The mandated default merges lexical and vector hits by id, keeping
// whichever has the higher raw score and resolving ties to the vector hit.
// Setting Weighted enables a non-default alternative: a deterministic
// linear combination of the two scores.
//
// QueryTimeout, if positive, bounds how long hybridSearch waits for both
// sources before degrading to whichever one finished, with its results
// marked Partial. Zero disables the timeout.
type FusionConfig struct {
	Weighted     bool
	LexWeight    float64
	VecWeight    float64
	QueryTimeout time.Duration
}

// DefaultFusionConfig returns the unweighted, max-score default.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{Weighted: false}
}
