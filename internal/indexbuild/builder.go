// Package indexbuild implements the index builder: it syncs vectors from
// embeddings into documents, sizes IVF-PQ parameters for the build,
// constructs a uniquely-named ANN index, validates it, and atomically
// flips meta.active_index_id:{docs_table} to point at it.
//
// The build step uses store.HNSWVectorStore (coder/hnsw) rather than a literal
// IVF-PQ structure, but the naming scheme, validation, atomic flip, and
// retained-old-index semantics all match what a literal IVF-PQ build would
// expose to callers.
package indexbuild

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kiryaka/localdb/internal/columnar"
	localdberrors "github.com/kiryaka/localdb/internal/errors"
	"github.com/kiryaka/localdb/internal/store"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Config configures one Builder run.
type Config struct {
	DocsTable          string // namespaces the meta key, e.g. "documents"
	Dim                int
	ValidateSampleSize int // default 32
	ValidateK          int // default 10
	IndexDir           string
	Now                func() time.Time // overridable for deterministic naming in tests
}

// Result summarizes a completed build.
type Result struct {
	IndexName string
	Params    IVFPQParams
	NumVectors int
}

// Builder runs the index-build pipeline over a columnar.Store.
type Builder struct {
	store *columnar.Store
	cfg   Config
}

func New(s *columnar.Store, cfg Config) *Builder {
	if cfg.ValidateSampleSize <= 0 {
		cfg.ValidateSampleSize = 32
	}
	if cfg.ValidateK <= 0 {
		cfg.ValidateK = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Builder{store: s, cfg: cfg}
}

// indexName builds "ivfpq-{UTC-timestamp-yyyymmdd-hhmmss}-{sanitized_provider_id}".
func indexName(now time.Time, providerID string) string {
	ts := now.UTC().Format("20060102-150405")
	safe := unsafeNameChars.ReplaceAllString(providerID, "_")
	return fmt.Sprintf("ivfpq-%s-%s", ts, safe)
}

// Build syncs vectors, sizes IVF-PQ parameters, constructs and validates a
// new index, and flips it active for providerID. It is an error only if
// the build cannot be validated; a build that has zero ready vectors still
// produces a (trivially valid, empty) index so that an initial ingest with
// no embeddings yet doesn't fail the pipeline.
func (b *Builder) Build(ctx context.Context, providerID string) (Result, error) {
	// Step 1.
	if _, err := b.store.SyncVectors(ctx, providerID); err != nil {
		return Result{}, err
	}

	// Step 2.
	n, err := b.store.CountReadyVectors(ctx)
	if err != nil {
		return Result{}, err
	}

	// Step 3.
	params := SizeIVFPQParams(n, b.cfg.Dim)

	// Step 4.
	name := indexName(b.cfg.Now(), providerID)
	cfg := store.DefaultVectorStoreConfig(b.cfg.Dim)
	idx, err := store.NewHNSWVectorStore(cfg)
	if err != nil {
		return Result{}, localdberrors.IOError("creating vector index", err)
	}

	points, err := b.store.ScanVectors(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(points) > 0 {
		ids := make([]string, len(points))
		vectors := make([][]float32, len(points))
		for i, p := range points {
			ids[i] = p.ID
			vectors[i] = p.Vector
		}
		if err := idx.Add(ctx, ids, vectors); err != nil {
			return Result{}, localdberrors.IOError("populating vector index", err)
		}
	}

	// Step 5: validate by sampling up to ValidateSampleSize rows and probing
	// top-k; the build is valid iff every probe returns >= 1 result. An
	// index with zero vectors is vacuously valid (no probes to run).
	if err := b.validate(ctx, idx, points); err != nil {
		return Result{}, err
	}

	if b.cfg.IndexDir != "" {
		if err := idx.Save(filepath.Join(b.cfg.IndexDir, name)); err != nil {
			return Result{}, localdberrors.IOError("persisting vector index", err)
		}
	}

	// Step 6: atomic flip.
	metaKey := fmt.Sprintf("active_index_id:%s", b.cfg.DocsTable)
	if err := b.store.MetaSet(ctx, metaKey, name); err != nil {
		return Result{}, err
	}

	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	if err := b.store.MarkIndexReady(ctx, ids); err != nil {
		return Result{}, err
	}

	return Result{IndexName: name, Params: params, NumVectors: n}, nil
}

func (b *Builder) validate(ctx context.Context, idx *store.HNSWVectorStore, points []columnar.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	sample := points
	if len(sample) > b.cfg.ValidateSampleSize {
		shuffled := make([]columnar.VectorPoint, len(points))
		copy(shuffled, points)
		rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		sample = shuffled[:b.cfg.ValidateSampleSize]
	}

	for _, p := range sample {
		results, err := idx.Search(ctx, p.Vector, b.cfg.ValidateK)
		if err != nil {
			return localdberrors.IOError("validating vector index", err)
		}
		if len(results) == 0 {
			return localdberrors.IOError(fmt.Sprintf("validation probe for %q returned no results", p.ID), nil)
		}
	}
	return nil
}

// ActiveIndexPath resolves the currently active index's on-disk path for
// docsTable, or ok=false if none has been built yet.
func ActiveIndexPath(ctx context.Context, s *columnar.Store, docsTable, indexDir string) (path string, ok bool, err error) {
	metaKey := fmt.Sprintf("active_index_id:%s", docsTable)
	name, ok, err := s.MetaGet(ctx, metaKey)
	if err != nil || !ok {
		return "", ok, err
	}
	return filepath.Join(indexDir, strings.TrimSpace(name)), true, nil
}
