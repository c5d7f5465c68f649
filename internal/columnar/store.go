package columnar

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kiryaka/localdb/internal/chunk"
	localdberrors "github.com/kiryaka/localdb/internal/errors"

	_ "modernc.org/sqlite" // pure Go SQLite driver, matches internal/store's choice
)

// Store is the columnar table set backing the ingest/backfill/index-build
// pipeline: documents, embeddings, emb_cache and meta.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open creates or opens a columnar store at path. An empty path opens an
// in-memory store, useful for tests.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, localdberrors.IOError("creating columnar store directory", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, localdberrors.IOError("opening columnar store", err)
	}

	// Single writer, matching internal/store.SQLiteBM25Index's pool sizing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, localdberrors.IOError("setting columnar store pragma", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id                TEXT PRIMARY KEY,
		doc_id            TEXT NOT NULL,
		doc_path          TEXT NOT NULL,
		category          TEXT NOT NULL,
		content           TEXT NOT NULL,
		chunk_index       INTEGER NOT NULL,
		total_chunks      INTEGER NOT NULL,
		content_hash      TEXT NOT NULL,
		vector            BLOB,
		embedding_status  TEXT NOT NULL DEFAULT 'new',
		embedding_error   TEXT NOT NULL DEFAULT '',
		embedding_version INTEGER NOT NULL DEFAULT 0,
		embedded_at       INTEGER NOT NULL DEFAULT 0,
		index_status      TEXT NOT NULL DEFAULT 'stale',
		index_version     INTEGER NOT NULL DEFAULT 0,
		status_updated_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_documents_embedding_status ON documents(embedding_status);

	CREATE TABLE IF NOT EXISTS embeddings (
		id           TEXT NOT NULL,
		provider_id  TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedded_at  INTEGER NOT NULL,
		vector       BLOB NOT NULL,
		PRIMARY KEY (id, provider_id, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_provider ON embeddings(provider_id, id);

	CREATE TABLE IF NOT EXISTS emb_cache (
		content_hash TEXT NOT NULL,
		provider_id  TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		vector       BLOB NOT NULL,
		PRIMARY KEY (content_hash, provider_id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return localdberrors.IOError("initializing columnar store schema", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ContentHash returns the hex-encoded SHA-256 digest of content: a
// collision-resistant, 256-bit hash used to dedupe repeated chunk content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

// InsertChunks appends Chunks emitted by the chunker as new documents rows:
// vector=NULL, embedding_status=new, index_status=stale. Re-inserting an
// existing id replaces its content and resets it to new, modeling a
// content edit that moves a previously ready row back to new.
func (s *Store) InsertChunks(ctx context.Context, chunks []chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localdberrors.IOError("beginning insert-chunks transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, doc_id, doc_path, category, content, chunk_index, total_chunks,
			content_hash, vector, embedding_status, embedding_error, embedding_version, embedded_at,
			index_status, index_version, status_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 'new', '', 0, 0, 'stale', 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			chunk_index = excluded.chunk_index,
			total_chunks = excluded.total_chunks,
			category = excluded.category,
			doc_path = excluded.doc_path,
			embedding_status = 'new',
			embedding_error = '',
			index_status = 'stale',
			status_updated_at = excluded.status_updated_at
	`)
	if err != nil {
		return localdberrors.IOError("preparing insert-chunks statement", err)
	}
	defer stmt.Close()

	now := nowMillis()
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocID, c.DocPath, c.Category, c.Content,
			c.ChunkIndex, c.TotalChunks, ContentHash(c.Content), now); err != nil {
			return localdberrors.IOError(fmt.Sprintf("inserting document %q", c.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return localdberrors.IOError("committing insert-chunks transaction", err)
	}
	return nil
}

// Frontier returns up to limit rows with embedding_status != 'ready',
// ordered by id for deterministic batching. limit <= 0 means unbounded.
func (s *Store) Frontier(ctx context.Context, limit int) ([]DocumentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, doc_id, doc_path, category, content, chunk_index, total_chunks, content_hash
		FROM documents WHERE embedding_status != 'ready' ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, localdberrors.IOError("scanning backfill frontier", err)
	}
	defer rows.Close()

	var out []DocumentRow
	for rows.Next() {
		var r DocumentRow
		if err := rows.Scan(&r.ID, &r.DocID, &r.DocPath, &r.Category, &r.Content, &r.ChunkIndex,
			&r.TotalChunks, &r.ContentHash); err != nil {
			return nil, localdberrors.IOError("reading frontier row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInProgress reserves a batch of ids. Idempotent: ids already
// in_progress are simply re-stamped with the current time.
func (s *Store) MarkInProgress(ctx context.Context, ids []string) error {
	return s.updateStatus(ctx, ids, StatusInProgress, "")
}

// MarkError marks a batch as failed with a descriptive reason.
func (s *Store) MarkError(ctx context.Context, ids []string, reason string) error {
	return s.updateStatus(ctx, ids, StatusError, reason)
}

func (s *Store) updateStatus(ctx context.Context, ids []string, status, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`UPDATE documents SET embedding_status = ?, embedding_error = ?,
		status_updated_at = ? WHERE id IN (%s)`, placeholders)

	args := make([]any, 0, len(ids)+3)
	args = append(args, status, errMsg, nowMillis())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return localdberrors.IOError(fmt.Sprintf("marking documents %s", status), err)
	}
	return nil
}

// MarkReady marks a batch ready, clearing embedding_error, bumping
// embedding_version and setting embedded_at.
func (s *Store) MarkReady(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`UPDATE documents SET embedding_status = 'ready', embedding_error = '',
		embedding_version = embedding_version + 1, embedded_at = ?, status_updated_at = ?
		WHERE id IN (%s)`, placeholders)

	now := nowMillis()
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, now)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return localdberrors.IOError("marking documents ready", err)
	}
	return nil
}

// ReclaimStale transitions in_progress rows older than staleThreshold back
// to new — the only operation allowed to move a row out of in_progress
// without supplying a new vector. Returns the count reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold).UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET embedding_status = 'new', status_updated_at = ?
		WHERE embedding_status = 'in_progress' AND status_updated_at < ?`, nowMillis(), cutoff)
	if err != nil {
		return 0, localdberrors.IOError("reclaiming stale in_progress rows", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CacheGetMany returns the subset of hashes present in emb_cache for
// providerID whose stored vector length is the expected dim. Entries with
// a mismatched length are treated as absent, same as missing entries: the
// caller will recompute them as misses.
func (s *Store) CacheGetMany(ctx context.Context, hashes []string, providerID string, dim int) (map[string][]float32, error) {
	out := make(map[string][]float32)
	if len(hashes) == 0 {
		return out, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(hashes))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`SELECT content_hash, vector FROM emb_cache
		WHERE provider_id = ? AND content_hash IN (%s)`, placeholders)

	args := make([]any, 0, len(hashes)+1)
	args = append(args, providerID)
	for _, h := range hashes {
		args = append(args, h)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, localdberrors.IOError("reading emb_cache", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var blob []byte
		if err := rows.Scan(&hash, &blob); err != nil {
			return nil, localdberrors.IOError("scanning emb_cache row", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, localdberrors.IOError("decoding cached vector", err)
		}
		if len(vec) == dim {
			out[hash] = vec
		}
	}
	return out, rows.Err()
}

// CachePutMany writes cache entries, last-write-wins on (content_hash,
// provider_id).
func (s *Store) CachePutMany(ctx context.Context, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localdberrors.IOError("beginning cache-put transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO emb_cache (content_hash, provider_id, created_at, vector)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash, provider_id) DO UPDATE SET created_at = excluded.created_at, vector = excluded.vector`)
	if err != nil {
		return localdberrors.IOError("preparing cache-put statement", err)
	}
	defer stmt.Close()

	now := nowMillis()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ContentHash, e.ProviderID, now, encodeVector(e.Vector)); err != nil {
			return localdberrors.IOError("writing cache entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return localdberrors.IOError("committing cache-put transaction", err)
	}
	return nil
}

// EmbeddingsAppend appends one record per row into embeddings. Duplicate (id, provider_id, content_hash) rows are tolerated per the
// primary key and simply replaced; lookup elsewhere always asks for the
// latest embedded_at.
func (s *Store) EmbeddingsAppend(ctx context.Context, rows []EmbeddingRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localdberrors.IOError("beginning embeddings-append transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings (id, provider_id, content_hash, embedded_at, vector)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, provider_id, content_hash) DO UPDATE SET embedded_at = excluded.embedded_at, vector = excluded.vector`)
	if err != nil {
		return localdberrors.IOError("preparing embeddings-append statement", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		ts := r.EmbeddedAt.UTC().UnixMilli()
		if _, err := stmt.ExecContext(ctx, r.ID, r.ProviderID, r.ContentHash, ts, encodeVector(r.Vector)); err != nil {
			return localdberrors.IOError(fmt.Sprintf("appending embedding for %q", r.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return localdberrors.IOError("committing embeddings-append transaction", err)
	}
	return nil
}

// MetaGet reads a meta value; ok is false if the key is absent.
func (s *Store) MetaGet(ctx context.Context, key string) (value string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, localdberrors.IOError("reading meta key", scanErr)
	}
	return value, true, nil
}

// MetaSet merge-upserts a meta key; used for the index builder's atomic
// flip of the active index pointer.
func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMillis())
	if err != nil {
		return localdberrors.IOError(fmt.Sprintf("writing meta key %q", key), err)
	}
	return nil
}

// SyncVectors merge-upserts documents.vector from the latest embeddings row
// per id for providerID. Rows absent from embeddings for this provider are
// left untouched. Returns the count of rows updated.
func (s *Store) SyncVectors(ctx context.Context, providerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET vector = (
			SELECT e.vector FROM embeddings e
			WHERE e.id = documents.id AND e.provider_id = ?
			ORDER BY e.embedded_at DESC LIMIT 1
		)
		WHERE EXISTS (SELECT 1 FROM embeddings e WHERE e.id = documents.id AND e.provider_id = ?)
	`, providerID, providerID)
	if err != nil {
		return 0, localdberrors.IOError("syncing vectors into documents", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountReadyVectors counts documents rows with a non-NULL vector.
func (s *Store) CountReadyVectors(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE vector IS NOT NULL`).Scan(&n); err != nil {
		return 0, localdberrors.IOError("counting ready vectors", err)
	}
	return n, nil
}

// ScanVectors returns every (id, vector) pair with a non-NULL vector, for
// building an ANN index over documents.vector.
func (s *Store) ScanVectors(ctx context.Context) ([]VectorPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, vector FROM documents WHERE vector IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, localdberrors.IOError("scanning document vectors", err)
	}
	defer rows.Close()

	var out []VectorPoint
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, localdberrors.IOError("reading vector row", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, localdberrors.IOError("decoding document vector", err)
		}
		out = append(out, VectorPoint{ID: id, Vector: vec})
	}
	return out, rows.Err()
}

// MarkIndexReady bumps index_status/index_version for the rows included in
// a successful build. Purely for observability: nothing downstream reads
// index_status to decide freshness.
func (s *Store) MarkIndexReady(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`UPDATE documents SET index_status = 'ready', index_version = index_version + 1
		WHERE id IN (%s)`, placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return localdberrors.IOError("marking index status ready", err)
	}
	return nil
}
