package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

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

// newQueryCmd implements `query "TEXT" [--k N] [--source
// {hybrid,lex,vec}]`. Exit codes: 0 success/empty, 1 config error, 3
// VectorIndexUnavailable.
func newQueryCmd(configPath *string) *cobra.Command {
	var k int
	var source string

	cmd := &cobra.Command{
		Use:   "query TEXT",
		Short: "Run a fused lexical+vector search against the active index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				out := output.New(cmd.ErrOrStderr())
				out.Errorf("config: %v", err)
				os.Exit(localdberrors.KindOf(err).QueryExitCode())
			}
			logging.Setup(logging.ParseEnv(os.Getenv("RUST_ENV")), cfg.LogLevel)

			if k <= 0 {
				k = cfg.Search.DefaultK
			}

			out := output.New(cmd.OutOrStdout())
			results, err := runQuery(cmd.Context(), cfg, args[0], k, source)
			if err != nil {
				out.Errorf("query: %v", err)
				os.Exit(localdberrors.KindOf(err).QueryExitCode())
			}

			if len(results) == 0 {
				out.Status("", "no results")
				return nil
			}
			for i, r := range results {
				tag := source
				if r.Partial {
					tag = source + " (partial)"
				}
				out.Statusf("", "%d\t%s\t%s\t%.4f", i+1, r.ID, tag, r.Score)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&k, "k", 0, "number of results to return (default: search.default_k)")
	cmd.Flags().StringVar(&source, "source", "hybrid", "result source: hybrid, lex, or vec")

	return cmd
}

func runQuery(ctx context.Context, cfg config.Config, text string, k int, source string) ([]searcher.Result, error) {
	colStore, err := columnar.Open(filepath.Join(cfg.Paths.DataDir, "columnar.db"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = colStore.Close() }()

	var lex searcher.Searcher
	var vec searcher.Searcher

	if source == "hybrid" || source == "lex" {
		bm25Store, err := store.NewBM25IndexWithBackend(filepath.Join(cfg.Paths.DataDir, "bm25"), store.DefaultBM25Config(), "sqlite")
		if err != nil {
			return nil, localdberrors.IOError("opening lexical index", err)
		}
		defer func() { _ = bm25Store.Close() }()
		lex, err = searcher.NewBM25Searcher(searcher.WithBM25Store(bm25Store))
		if err != nil {
			return nil, localdberrors.ConfigError("constructing lexical adapter", err)
		}
	}

	if source == "hybrid" || source == "vec" {
		provider, err := embed.NewProvider(ctx, cfg.Embedding.UseFake, cfg.Embedding.Dim, realConfigFrom(cfg.Embedding))
		if err != nil {
			return nil, localdberrors.ProviderError("constructing embedding provider", err)
		}
		defer func() { _ = provider.Close() }()

		vs, err := loadActiveVectorStore(ctx, colStore, cfg, provider.Dim())
		if err != nil {
			return nil, err
		}
		if vs != nil {
			defer func() { _ = vs.Close() }()
		}

		vec, err = searcher.NewVectorSearcher(
			searcher.WithSearchEmbedder(provider),
			searcher.WithSearchVectorStore(vs),
		)
		if err != nil {
			return nil, localdberrors.ConfigError("constructing vector searcher", err)
		}
	}

	switch source {
	case "lex":
		return lex.Search(ctx, text, k)
	case "vec":
		return vec.Search(ctx, text, k)
	case "hybrid":
		fusion, err := searcher.NewFusionSearcher(
			searcher.WithBM25Searcher(lex),
			searcher.WithVectorSearcher(vec),
			searcher.WithFusionConfig(searcher.FusionConfig{
				Weighted:     cfg.Search.Weighted,
				LexWeight:    cfg.Search.LexWeight,
				VecWeight:    cfg.Search.VecWeight,
				QueryTimeout: cfg.Search.QueryTimeout,
			}),
		)
		if err != nil {
			return nil, localdberrors.ConfigError("constructing fusion searcher", err)
		}
		return fusion.Search(ctx, text, k)
	default:
		return nil, localdberrors.ConfigError(fmt.Sprintf("unknown --source %q (want hybrid, lex, or vec)", source), nil)
	}
}

// loadActiveVectorStore resolves and loads the currently active HNSW index,
// or returns (nil, nil) if none has been built yet, in which case the
// vector searcher reports VectorIndexUnavailable on Search.
func loadActiveVectorStore(ctx context.Context, colStore *columnar.Store, cfg config.Config, dim int) (store.VectorStore, error) {
	indexDir := filepath.Join(cfg.Paths.DataDir, "indexes")
	path, ok, err := indexbuild.ActiveIndexPath(ctx, colStore, docsTable, indexDir)
	if err != nil {
		return nil, localdberrors.IOError("resolving active index", err)
	}
	if !ok {
		return nil, nil
	}

	vs, err := store.NewHNSWVectorStore(store.DefaultVectorStoreConfig(dim))
	if err != nil {
		return nil, localdberrors.IOError("constructing vector store", err)
	}
	if err := vs.Load(path); err != nil {
		return nil, localdberrors.IOError(fmt.Sprintf("loading active index %s", path), err)
	}
	return vs, nil
}
