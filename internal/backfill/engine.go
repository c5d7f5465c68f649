// Package backfill drives documents rows from embedding_status=new through
// in_progress to ready or error, with restart safety and
// at-most-one-worker-per-(docs_table,provider_id) cross-process locking.
package backfill

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kiryaka/localdb/internal/columnar"
	"github.com/kiryaka/localdb/internal/embed"
	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

// localCacheSize bounds the in-process read cache an Engine keeps in front
// of emb_cache, so repeat content hashes within one run (duplicate
// paragraphs, re-ingested files) skip a round trip to the columnar store.
const localCacheSize = 4096

// Config configures one Engine run.
type Config struct {
	DocsTable      string // used only to namespace the cross-process lock
	BatchSize      int
	StaleThreshold time.Duration
	Limit          int // optional cap on the frontier scanned this run; <=0 means unbounded
}

// Stats summarizes one Run.
type Stats struct {
	Reclaimed int64
	Batches   int
	Ready     int
	Errored   int
}

// Engine is the backfill worker.
type Engine struct {
	store    *columnar.Store
	provider embed.Provider
	cfg      Config
	dataDir  string
	cache    *lru.Cache[string, []float32]
}

// New constructs an Engine. dataDir is where the cross-process lock file is
// created.
func New(store *columnar.Store, provider embed.Provider, dataDir string, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	cache, _ := lru.New[string, []float32](localCacheSize) // only errs on non-positive size
	return &Engine{store: store, provider: provider, cfg: cfg, dataDir: dataDir, cache: cache}
}

// Run drives the frontier to completion (or to cfg.Limit rows), reclaiming
// stale in_progress rows first. It returns localdberrors.Cancelled if ctx is
// done between batches, and an IOError if another worker already holds the
// lock for (DocsTable, provider).
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	lock := newWorkerLock(e.dataDir, e.cfg.DocsTable, e.provider.ProviderID())
	acquired, err := lock.TryLock()
	if err != nil {
		return Stats{}, localdberrors.IOError("acquiring backfill worker lock", err)
	}
	if !acquired {
		return Stats{}, localdberrors.IOError(
			fmt.Sprintf("another backfill worker holds the lock for (%s, %s)", e.cfg.DocsTable, e.provider.ProviderID()), nil)
	}
	defer func() { _ = lock.Unlock() }()

	var stats Stats

	reclaimed, err := e.store.ReclaimStale(ctx, e.cfg.StaleThreshold)
	if err != nil {
		return stats, err
	}
	stats.Reclaimed = reclaimed

	for {
		if err := ctx.Err(); err != nil {
			return stats, localdberrors.Cancelled(err)
		}

		batchSize := e.cfg.BatchSize
		if e.cfg.Limit > 0 {
			if remaining := e.cfg.Limit - stats.Ready - stats.Errored; remaining < batchSize {
				batchSize = remaining
			}
		}

		rows, err := e.store.Frontier(ctx, batchSize)
		if err != nil {
			return stats, err
		}
		if len(rows) == 0 {
			return stats, nil
		}

		ready, errored, err := e.processBatch(ctx, rows)
		if err != nil && localdberrors.IsRetryable(err) {
			ready, errored, err = e.processBatch(ctx, rows)
		}
		if err != nil {
			return stats, err
		}
		stats.Batches++
		stats.Ready += ready
		stats.Errored += errored

		if e.cfg.Limit > 0 && stats.Ready+stats.Errored >= e.cfg.Limit {
			return stats, nil
		}
	}
}

// processBatch reserves a batch, resolves each row's embedding from cache or
// the provider, writes fresh vectors back to cache, and marks rows ready or
// error.
func (e *Engine) processBatch(ctx context.Context, rows []columnar.DocumentRow) (ready, errored int, err error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	// Step 1: reserve the batch.
	if err := e.store.MarkInProgress(ctx, ids); err != nil {
		return 0, 0, err
	}

	// Step 2: recompute content_hash; a mismatch means the row changed since
	// it was last read and is treated as new content for this pass.
	for i := range rows {
		rows[i].ContentHash = columnar.ContentHash(rows[i].Content)
	}

	providerID := e.provider.ProviderID()
	dim := e.provider.Dim()

	hashes := make([]string, len(rows))
	for i, r := range rows {
		hashes[i] = r.ContentHash
	}

	// Step 3: consult the cache. The in-process LRU is checked first so a
	// hash repeated within this run never round-trips to emb_cache twice;
	// only the remaining misses go to the store.
	cached := make(map[string][]float32, len(hashes))
	var storeMisses []string
	for _, h := range hashes {
		if vec, ok := e.cache.Get(h); ok {
			cached[h] = vec
		} else {
			storeMisses = append(storeMisses, h)
		}
	}
	if len(storeMisses) > 0 {
		storeHits, err := e.store.CacheGetMany(ctx, storeMisses, providerID, dim)
		if err != nil {
			return 0, 0, err
		}
		for h, vec := range storeHits {
			cached[h] = vec
			e.cache.Add(h, vec)
		}
	}

	// Step 4: collect misses and embed them.
	var missRows []columnar.DocumentRow
	for _, r := range rows {
		if _, hit := cached[r.ContentHash]; !hit {
			missRows = append(missRows, r)
		}
	}

	freshVectors := make(map[string][]float32, len(missRows))
	var errIDs []string
	if len(missRows) > 0 {
		texts := make([]string, len(missRows))
		for i, r := range missRows {
			texts[i] = r.Content
		}

		vectors, embedErr := e.provider.EmbedBatch(texts)
		switch {
		case embedErr != nil:
			for _, r := range missRows {
				errIDs = append(errIDs, r.ID)
			}
			if markErr := e.store.MarkError(ctx, errIDs, embedErr.Error()); markErr != nil {
				return 0, 0, markErr
			}
		case len(vectors) != len(missRows):
			reason := fmt.Sprintf("provider returned %d vectors for %d inputs", len(vectors), len(missRows))
			for _, r := range missRows {
				errIDs = append(errIDs, r.ID)
			}
			if markErr := e.store.MarkError(ctx, errIDs, reason); markErr != nil {
				return 0, 0, markErr
			}
		default:
			for i, r := range missRows {
				if len(vectors[i]) != dim {
					errIDs = append(errIDs, r.ID)
					continue
				}
				freshVectors[r.ContentHash] = vectors[i]
			}
			if len(errIDs) > 0 {
				if markErr := e.store.MarkError(ctx, errIDs, "embedding vector has wrong dimension"); markErr != nil {
					return 0, 0, markErr
				}
			}
		}
	}

	// Step 5: write fresh cache entries, local and persistent.
	if len(freshVectors) > 0 {
		entries := make([]columnar.CacheEntry, 0, len(freshVectors))
		for hash, vec := range freshVectors {
			entries = append(entries, columnar.CacheEntry{ContentHash: hash, ProviderID: providerID, Vector: vec})
			e.cache.Add(hash, vec)
		}
		if err := e.store.CachePutMany(ctx, entries); err != nil {
			return 0, 0, err
		}
	}

	errSet := make(map[string]struct{}, len(errIDs))
	for _, id := range errIDs {
		errSet[id] = struct{}{}
	}

	// Step 6: append embeddings for hits + fresh misses (everything not
	// marked error).
	embeddedAt := time.Now().UTC()
	var embRows []columnar.EmbeddingRow
	var readyIDs []string
	for _, r := range rows {
		if _, failed := errSet[r.ID]; failed {
			continue
		}
		vec, ok := cached[r.ContentHash]
		if !ok {
			vec, ok = freshVectors[r.ContentHash]
		}
		if !ok {
			// Shouldn't happen: every non-error row must resolve to a vector.
			continue
		}
		embRows = append(embRows, columnar.EmbeddingRow{
			ID: r.ID, ProviderID: providerID, ContentHash: r.ContentHash, EmbeddedAt: embeddedAt, Vector: vec,
		})
		readyIDs = append(readyIDs, r.ID)
	}

	if len(embRows) > 0 {
		if err := e.store.EmbeddingsAppend(ctx, embRows); err != nil {
			return 0, 0, err
		}
	}

	// Step 7: mark the surviving rows ready.
	if len(readyIDs) > 0 {
		if err := e.store.MarkReady(ctx, readyIDs); err != nil {
			return 0, 0, err
		}
	}

	return len(readyIDs), len(errIDs), nil
}
