// Package searcher provides modular search components for hybrid document search.
//
// This package implements the Searcher interface with multiple implementations:
//
//   - [BM25Searcher]: Lexical search over store.BM25Index (FTS5 BM25)
//   - [VectorSearcher]: Semantic search over an ANN index via an embed.Provider
//   - [FusionSearcher]: Hybrid search combining both, merged by id
//
// # Architecture
//
// The package follows Black Box Design principles, allowing each component
// to be tested and replaced independently:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                      FusionSearcher                         │
//	│  ┌─────────────────┐              ┌─────────────────┐      │
//	│  │  BM25Searcher   │──────────────│ VectorSearcher  │      │
//	│  │                 │  merge by id │                 │      │
//	│  │  store.BM25Index│              │ embed.Provider  │      │
//	│  │                 │              │ store.VectorStore│      │
//	│  └─────────────────┘              └─────────────────┘      │
//	└─────────────────────────────────────────────────────────────┘
//
// # Usage
//
// Basic usage with all components:
//
//	// Create individual searchers
//	bm25, _ := searcher.NewBM25Searcher(
//	    searcher.WithBM25Store(bm25Index),
//	)
//	vector, _ := searcher.NewVectorSearcher(
//	    searcher.WithSearchEmbedder(provider),
//	    searcher.WithSearchVectorStore(vectorStore),
//	)
//
//	// Create fusion searcher
//	fusion, _ := searcher.NewFusionSearcher(
//	    searcher.WithBM25Searcher(bm25),
//	    searcher.WithVectorSearcher(vector),
//	)
//
//	// Search
//	results, err := fusion.Search(ctx, "how does the backfill engine work", 10)
//
// The default fusion rule merges by id and keeps the higher score, with
// vector hits winning ties. A deterministic weighted linear combination is
// available via FusionConfig.Weighted when that behavior is preferred.
//
// # BM25-Only Mode
//
// For deployments without an embedding provider:
//
//	fusion, _ := searcher.NewFusionSearcher(
//	    searcher.WithBM25Searcher(bm25),
//	    // No vector searcher = BM25-only mode
//	)
//
// # Thread Safety
//
// All Searcher implementations are safe for concurrent use.
package searcher
