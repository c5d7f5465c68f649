package columnar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiryaka/localdb/internal/chunk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertChunks_FrontierIncludesNewRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []chunk.Chunk{
		{ID: "a:0", DocID: "a", DocPath: "/a.txt", Category: "/misc", Content: "hello world", ChunkIndex: 0, TotalChunks: 1},
		{ID: "b:0", DocID: "b", DocPath: "/b.txt", Category: "/misc", Content: "goodbye", ChunkIndex: 0, TotalChunks: 1},
	}
	require.NoError(t, s.InsertChunks(ctx, chunks))

	frontier, err := s.Frontier(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, frontier, 2)
	assert.Equal(t, ContentHash("hello world"), frontier[0].ContentHash)
}

func TestBackfillLifecycle_NewToInProgressToReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChunks(ctx, []chunk.Chunk{
		{ID: "a:0", DocID: "a", DocPath: "/a.txt", Category: "/misc", Content: "hello", ChunkIndex: 0, TotalChunks: 1},
	}))

	require.NoError(t, s.MarkInProgress(ctx, []string{"a:0"}))
	frontier, err := s.Frontier(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, frontier, 1, "in_progress rows remain on the frontier")

	require.NoError(t, s.MarkReady(ctx, []string{"a:0"}))
	frontier, err = s.Frontier(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, frontier, "ready rows leave the frontier")
}

func TestReclaimStale_MovesOldInProgressBackToNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChunks(ctx, []chunk.Chunk{
		{ID: "a:0", DocID: "a", DocPath: "/a.txt", Category: "/misc", Content: "hello", ChunkIndex: 0, TotalChunks: 1},
	}))
	require.NoError(t, s.MarkInProgress(ctx, []string{"a:0"}))

	// Negative threshold: "older than now + 1h" is trivially true for any row.
	n, err := s.ReclaimStale(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.Frontier(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCacheGetMany_SkipsWrongDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CachePutMany(ctx, []CacheEntry{
		{ContentHash: "h1", ProviderID: "p", Vector: []float32{1, 2, 3}},
	}))

	got, err := s.CacheGetMany(ctx, []string{"h1"}, "p", 3)
	require.NoError(t, err)
	assert.Contains(t, got, "h1")

	got, err = s.CacheGetMany(ctx, []string{"h1"}, "p", 4)
	require.NoError(t, err)
	assert.NotContains(t, got, "h1", "mismatched dimension is treated as absent")
}

func TestCachePutMany_LastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CachePutMany(ctx, []CacheEntry{{ContentHash: "h1", ProviderID: "p", Vector: []float32{1, 1}}}))
	require.NoError(t, s.CachePutMany(ctx, []CacheEntry{{ContentHash: "h1", ProviderID: "p", Vector: []float32{2, 2}}}))

	got, err := s.CacheGetMany(ctx, []string{"h1"}, "p", 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, got["h1"])
}

func TestMetaSet_MergeUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MetaSet(ctx, "active_index_id:documents", "ivfpq-1"))
	v, ok, err := s.MetaGet(ctx, "active_index_id:documents")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ivfpq-1", v)

	require.NoError(t, s.MetaSet(ctx, "active_index_id:documents", "ivfpq-2"))
	v, ok, err = s.MetaGet(ctx, "active_index_id:documents")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ivfpq-2", v)
}

func TestMetaGet_MissingKey(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.MetaGet(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncVectors_PromotesFromEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChunks(ctx, []chunk.Chunk{
		{ID: "a:0", DocID: "a", DocPath: "/a.txt", Category: "/misc", Content: "hello", ChunkIndex: 0, TotalChunks: 1},
	}))
	require.NoError(t, s.EmbeddingsAppend(ctx, []EmbeddingRow{
		{ID: "a:0", ProviderID: "p", ContentHash: ContentHash("hello"), EmbeddedAt: time.Now(), Vector: []float32{0.1, 0.2}},
	}))

	n, err := s.SyncVectors(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.CountReadyVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	points, err := s.ScanVectors(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, []float32{0.1, 0.2}, points[0].Vector)
}

func TestSyncVectors_LeavesUnembeddedRowsAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChunks(ctx, []chunk.Chunk{
		{ID: "a:0", DocID: "a", DocPath: "/a.txt", Category: "/misc", Content: "hello", ChunkIndex: 0, TotalChunks: 1},
	}))

	n, err := s.SyncVectors(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	count, err := s.CountReadyVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
