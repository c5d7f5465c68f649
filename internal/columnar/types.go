// Package columnar implements the documents/embeddings/emb_cache/meta
// tables on top of modernc.org/sqlite, following the WAL-mode,
// single-writer-connection pattern of internal/store's SQLite FTS5 index.
package columnar

import "time"

// Row statuses for documents.embedding_status.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Row statuses for documents.index_status.
const (
	IndexStatusStale = "stale"
	IndexStatusReady = "ready"
)

// DocumentRow mirrors a row of the documents table.
type DocumentRow struct {
	ID              string
	DocID           string
	DocPath         string
	Category        string
	Content         string
	ChunkIndex      int
	TotalChunks     int
	ContentHash     string
	Vector          []float32 // nil until promoted by the index builder
	EmbeddingStatus string
	EmbeddingError  string
	EmbeddingVer    int64
	EmbeddedAt      time.Time
	IndexStatus     string
	IndexVersion    int64
}

// EmbeddingRow mirrors a row of the embeddings table.
type EmbeddingRow struct {
	ID          string
	ProviderID  string
	ContentHash string
	EmbeddedAt  time.Time
	Vector      []float32
}

// CacheEntry mirrors a row of the emb_cache table.
type CacheEntry struct {
	ContentHash string
	ProviderID  string
	Vector      []float32
}

// VectorPoint is an (id, vector) pair read back for index building.
type VectorPoint struct {
	ID     string
	Vector []float32
}
