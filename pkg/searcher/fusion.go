package searcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

// FusionSearcher implements the hybrid fuser: it dispatches to a lexical
// and a vector searcher concurrently and merges by id. Fused results do
// not record which source each hit came from.
//
// Supports three modes:
//   - Hybrid: both searchers configured (full fusion)
//   - Lexical-only / vector-only: a single searcher configured
//
// Thread-safe for concurrent use.
type FusionSearcher struct {
	bm25   Searcher
	vector Searcher
	config FusionConfig
	mu     sync.RWMutex
}

// FusionOption configures FusionSearcher.
type FusionOption func(*FusionSearcher)

// WithBM25Searcher sets the lexical searcher.
func WithBM25Searcher(s Searcher) FusionOption {
	return func(f *FusionSearcher) { f.bm25 = s }
}

// WithVectorSearcher sets the vector searcher.
func WithVectorSearcher(s Searcher) FusionOption {
	return func(f *FusionSearcher) { f.vector = s }
}

// WithFusionConfig sets the fusion configuration.
func WithFusionConfig(config FusionConfig) FusionOption {
	return func(f *FusionSearcher) { f.config = config }
}

// NewFusionSearcher creates a new fusion searcher.
//
// At least one searcher (lexical or vector) must be provided. Returns
// ErrNoSearchers if neither is configured.
func NewFusionSearcher(opts ...FusionOption) (*FusionSearcher, error) {
	f := &FusionSearcher{config: DefaultFusionConfig()}

	for _, opt := range opts {
		opt(f)
	}

	if f.bm25 == nil && f.vector == nil {
		return nil, ErrNoSearchers
	}

	return f, nil
}

// Search dispatches a query against whichever searchers are configured.
// With both a lexical and vector searcher set it dispatches concurrently
// and fuses; with only one configured it searches that one directly.
func (f *FusionSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.bm25 == nil {
		return f.vector.Search(ctx, query, limit)
	}
	if f.vector == nil {
		return f.bm25.Search(ctx, query, limit)
	}

	return f.hybridSearch(ctx, query, limit)
}

// searchOutcome carries one source's completed Search call across a
// channel so hybridSearch can select on whichever finishes first.
type searchOutcome struct {
	results []Result
	err     error
}

// hybridSearch runs both searchers concurrently and fuses results. A
// single failing source degrades gracefully to the surviving one; both
// failing is an error. When f.config.QueryTimeout elapses before both
// sources finish, hybridSearch returns whatever single source completed,
// with its results marked Partial, rather than waiting indefinitely or
// discarding a result that did arrive.
func (f *FusionSearcher) hybridSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	fetchLimit := limit * 2
	if fetchLimit < 20 {
		fetchLimit = 20
	}

	lexCh := make(chan searchOutcome, 1)
	vecCh := make(chan searchOutcome, 1)

	go func() {
		results, err := f.bm25.Search(ctx, query, fetchLimit)
		lexCh <- searchOutcome{results, err}
	}()
	go func() {
		results, err := f.vector.Search(ctx, query, fetchLimit)
		vecCh <- searchOutcome{results, err}
	}()

	var timeoutC <-chan time.Time
	if f.config.QueryTimeout > 0 {
		timer := time.NewTimer(f.config.QueryTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var lex, vec searchOutcome
	var lexDone, vecDone bool

	for !lexDone || !vecDone {
		select {
		case lex = <-lexCh:
			lexDone = true
		case vec = <-vecCh:
			vecDone = true
		case <-timeoutC:
			return f.timeoutResult(lex, lexDone, vec, vecDone, limit)
		case <-ctx.Done():
			return nil, localdberrors.Cancelled(ctx.Err())
		}
	}

	switch {
	case lex.err != nil && vec.err != nil:
		return nil, localdberrors.ProviderError("all searchers failed",
			fmt.Errorf("lexical: %w; vector: %w", lex.err, vec.err))
	case lex.err != nil:
		return truncateResults(vec.results, limit), nil
	case vec.err != nil:
		return truncateResults(lex.results, limit), nil
	}

	fused := fuseResults(lex.results, vec.results, f.config)
	return truncateResults(fused, limit), nil
}

// timeoutResult decides what hybridSearch returns once its QueryTimeout
// fires: the completed, error-free source marked Partial, or an error if
// neither source finished in time or the one that did failed.
func (f *FusionSearcher) timeoutResult(lex searchOutcome, lexDone bool, vec searchOutcome, vecDone bool, limit int) ([]Result, error) {
	if lexDone && lex.err == nil {
		return markPartial(truncateResults(lex.results, limit)), nil
	}
	if vecDone && vec.err == nil {
		return markPartial(truncateResults(vec.results, limit)), nil
	}
	return nil, localdberrors.ProviderError("query timed out before a source completed", nil)
}

// markPartial returns a copy of results with Partial set, leaving the
// input slice untouched.
func markPartial(results []Result) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		r.Partial = true
		out[i] = r
	}
	return out
}

// fuseResults merges lex and vec by id, keeping the hit with the higher
// score and resolving ties to the vector hit. When cfg.Weighted is set it
// instead computes a deterministic linear combination of the two scores.
func fuseResults(lex, vec []Result, cfg FusionConfig) []Result {
	byID := make(map[string]Result, len(lex)+len(vec))

	for _, r := range lex {
		byID[r.ID] = r
	}

	for _, r := range vec {
		existing, ok := byID[r.ID]
		if !ok {
			byID[r.ID] = r
			continue
		}

		if cfg.Weighted {
			combined := cfg.LexWeight*existing.Score + cfg.VecWeight*r.Score
			byID[r.ID] = Result{ID: r.ID, Score: combined, MatchedTerms: existing.MatchedTerms}
			continue
		}

		// Unweighted default: higher score wins; vector wins ties.
		if r.Score >= existing.Score {
			byID[r.ID] = r
		}
	}

	out := make([]Result, 0, len(byID))
	for _, hit := range byID {
		out = append(out, hit)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// truncateResults returns at most limit results.
func truncateResults(results []Result, limit int) []Result {
	if len(results) <= limit {
		return results
	}
	return results[:limit]
}
