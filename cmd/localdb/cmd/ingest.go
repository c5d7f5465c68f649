package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kiryaka/localdb/internal/async"
	"github.com/kiryaka/localdb/internal/backfill"
	"github.com/kiryaka/localdb/internal/chunk"
	"github.com/kiryaka/localdb/internal/columnar"
	"github.com/kiryaka/localdb/internal/config"
	"github.com/kiryaka/localdb/internal/embed"
	localdberrors "github.com/kiryaka/localdb/internal/errors"
	"github.com/kiryaka/localdb/internal/indexbuild"
	"github.com/kiryaka/localdb/internal/logging"
	"github.com/kiryaka/localdb/internal/output"
	"github.com/kiryaka/localdb/internal/store"
	"github.com/kiryaka/localdb/pkg/searcher"
)

const docsTable = "documents"

// newIngestCmd implements "ingest [DIR]": chunk the corpus, run backfill to
// completion, build and flip an index. Exit codes: 0 on completion, 1 on
// config error, 2 on unrecoverable ingest error.
func newIngestCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [DIR]",
		Short: "Chunk a directory, backfill embeddings, and build the active index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				out := output.New(cmd.ErrOrStderr())
				out.Errorf("config: %v", err)
				os.Exit(localdberrors.KindOf(err).IngestExitCode())
			}
			logging.Setup(logging.ParseEnv(os.Getenv("RUST_ENV")), cfg.LogLevel)

			dir := cfg.Paths.Corpus
			if len(args) == 1 {
				dir = args[0]
			}

			out := output.New(cmd.OutOrStdout())
			if err := runIngest(cmd.Context(), cfg, dir, out); err != nil {
				out.Errorf("ingest: %v", err)
				os.Exit(localdberrors.KindOf(err).IngestExitCode())
			}
			out.Success("ingest complete")
			return nil
		},
	}

	return cmd
}

func runIngest(ctx context.Context, cfg config.Config, dir string, out *output.Writer) error {
	progress := async.NewIndexProgress()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return localdberrors.IOError("creating data directory", err)
	}

	colStore, err := columnar.Open(filepath.Join(cfg.Paths.DataDir, "columnar.db"))
	if err != nil {
		return err
	}
	defer func() { _ = colStore.Close() }()

	bm25Store, err := store.NewBM25IndexWithBackend(filepath.Join(cfg.Paths.DataDir, "bm25"), store.DefaultBM25Config(), "sqlite")
	if err != nil {
		return localdberrors.IOError("opening lexical index", err)
	}
	defer func() { _ = bm25Store.Close() }()
	lexical, err := searcher.NewBM25Searcher(searcher.WithBM25Store(bm25Store))
	if err != nil {
		return localdberrors.ConfigError("constructing lexical adapter", err)
	}

	provider, err := embed.NewProvider(ctx, cfg.Embedding.UseFake, cfg.Embedding.Dim, realConfigFrom(cfg.Embedding))
	if err != nil {
		return localdberrors.ProviderError("constructing embedding provider", err)
	}
	defer func() { _ = provider.Close() }()

	// Stage: scanning + chunking.
	progress.SetStage(async.StageChunking, 0)
	chunker := chunk.NewTextChunker()
	chunks, err := chunker.ChunkDir(ctx, dir, 0)
	if err != nil {
		return localdberrors.IOError(fmt.Sprintf("chunking %s", dir), err)
	}
	progress.SetChunksTotal(len(chunks))
	out.Statusf("📄", "chunked %d files into %d chunks", countDocs(chunks), len(chunks))

	chunkValues := make([]chunk.Chunk, len(chunks))
	for i, c := range chunks {
		chunkValues[i] = *c
	}
	if err := colStore.InsertChunks(ctx, chunkValues); err != nil {
		return err
	}
	if err := lexical.Index(ctx, chunks); err != nil {
		return localdberrors.IOError("indexing chunks into lexical adapter", err)
	}
	progress.UpdateChunks(len(chunks))

	// Stage: embedding (backfill).
	progress.SetStage(async.StageEmbedding, len(chunks))
	engine := backfill.New(colStore, provider, cfg.Paths.DataDir, backfill.Config{
		DocsTable:      docsTable,
		BatchSize:      cfg.Backfill.BatchSize,
		StaleThreshold: cfg.Backfill.StaleThreshold,
	})
	stats, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	out.Statusf("🧮", "backfill: %d batches, %d ready, %d errored, %d reclaimed",
		stats.Batches, stats.Ready, stats.Errored, stats.Reclaimed)

	// Stage: index build.
	progress.SetStage(async.StageIndexing, 0)
	indexDir := filepath.Join(cfg.Paths.DataDir, "indexes")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return localdberrors.IOError("creating index directory", err)
	}
	builder := indexbuild.New(colStore, indexbuild.Config{
		DocsTable:          docsTable,
		Dim:                provider.Dim(),
		ValidateSampleSize: cfg.Index.ValidateSampleSize,
		ValidateK:          cfg.Index.ValidateK,
		IndexDir:           indexDir,
	})
	result, err := builder.Build(ctx, provider.ProviderID())
	if err != nil {
		return err
	}
	out.Statusf("🔗", "built and activated index %q over %d vectors", result.IndexName, result.NumVectors)

	progress.SetReady()
	return nil
}

func countDocs(chunks []*chunk.Chunk) int {
	seen := make(map[string]struct{})
	for _, c := range chunks {
		seen[c.DocID] = struct{}{}
	}
	return len(seen)
}

func realConfigFrom(ec config.EmbeddingConfig) embed.RealConfig {
	rc := embed.DefaultRealConfig()
	rc.ModelDir = ec.ModelDir
	rc.Model = ec.ModelName
	rc.Dim = ec.Dim
	if ec.MaxLen > 0 {
		rc.MaxLen = ec.MaxLen
	}
	return rc
}
