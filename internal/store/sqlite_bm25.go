package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

// SQLiteBM25Index implements BM25Index over a SQLite FTS5 virtual table.
// WAL mode plus a single-writer connection pool lets multiple readers share
// one index file with a concurrent ingest process, without the exclusive
// file lock a BoltDB-backed index would need.
type SQLiteBM25Index struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	config    BM25Config
	closed    bool
	stopWords map[string]struct{}
}

var _ BM25Index = (*SQLiteBM25Index)(nil)

// validateIntegrity runs FTS5's own integrity check against an existing
// database file before it is opened for real use, so a half-written file
// left behind by a killed process is detected and cleared rather than
// silently served stale or corrupt results.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='fts_content'`).Scan(&count); err != nil {
		return fmt.Errorf("query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_content' missing")
	}

	return nil
}

// NewSQLiteBM25Index opens (creating if absent) a SQLite FTS5 index at path.
// An empty path opens an in-memory database, used by tests.
func NewSQLiteBM25Index(path string, config BM25Config) (*SQLiteBM25Index, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, localdberrors.IOError(fmt.Sprintf("creating directory %s", dir), err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("bm25 index failed integrity check, clearing", "path", path, "error", validErr)
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, localdberrors.IOError(fmt.Sprintf("removing corrupted index at %s", path), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("bm25 index cleared after corruption, reindex required", "path", path)
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, localdberrors.IOError("opening bm25 database", err)
	}

	// Single writer: modernc.org/sqlite serializes writes at the connection
	// level, so a pool larger than 1 just adds contention without adding
	// throughput.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN pragmas are sometimes ignored by modernc.org/sqlite; setting them
	// again via statement guarantees WAL mode actually takes effect.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, localdberrors.IOError(fmt.Sprintf("setting %q", pragma), err)
		}
	}

	idx := &SQLiteBM25Index{
		db:        db,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
	}

	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, localdberrors.IOError("initializing bm25 schema", err)
	}

	return idx, nil
}

func (s *SQLiteBM25Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		doc_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	-- FTS5 external-content tables don't expose rowid reliably, so doc IDs
	-- are tracked in a plain table for AllIDs.
	CREATE TABLE IF NOT EXISTS doc_ids (
		doc_id TEXT PRIMARY KEY
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Index adds or replaces documents. Content is pre-tokenized with
// TokenizeText (splitting camelCase/snake_case identifiers, filtering stop
// words) before being handed to FTS5, so the same normalization applies at
// both index and query time.
func (s *SQLiteBM25Index) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return localdberrors.IOError("bm25 index is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localdberrors.IOError("beginning bm25 transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables have no REPLACE; delete then insert.
	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM fts_content WHERE doc_id = ?`)
	if err != nil {
		return localdberrors.IOError("preparing delete statement", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `INSERT INTO fts_content(doc_id, content) VALUES (?, ?)`)
	if err != nil {
		return localdberrors.IOError("preparing insert statement", err)
	}
	defer insertStmt.Close()

	idStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO doc_ids(doc_id) VALUES (?)`)
	if err != nil {
		return localdberrors.IOError("preparing doc_ids statement", err)
	}
	defer idStmt.Close()

	for _, doc := range docs {
		tokens := TokenizeText(doc.Content)
		tokens = FilterStopWords(tokens, s.stopWords)
		processedContent := strings.Join(tokens, " ")

		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return localdberrors.IOError(fmt.Sprintf("deleting existing document %s", doc.ID), err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ID, processedContent); err != nil {
			return localdberrors.IOError(fmt.Sprintf("indexing document %s", doc.ID), err)
		}
		if _, err := idStmt.ExecContext(ctx, doc.ID); err != nil {
			return localdberrors.IOError(fmt.Sprintf("tracking document id %s", doc.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return localdberrors.IOError("committing bm25 index transaction", err)
	}
	return nil
}

// Search tokenizes queryStr with the same rules as Index and runs it
// through FTS5's bm25() ranking function.
func (s *SQLiteBM25Index) Search(ctx context.Context, queryStr string, limit int) ([]*BM25Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, localdberrors.IOError("bm25 index is closed", nil)
	}

	if strings.TrimSpace(queryStr) == "" {
		return []*BM25Result{}, nil
	}

	tokens := TokenizeText(queryStr)
	tokens = FilterStopWords(tokens, s.stopWords)
	if len(tokens) == 0 {
		return []*BM25Result{}, nil
	}
	processedQuery := strings.Join(tokens, " ")

	// bm25() returns negative scores (lower = better match); ORDER BY score
	// puts the best matches first without an extra sort step.
	query := `
		SELECT doc_id, bm25(fts_content) as score
		FROM fts_content
		WHERE content MATCH ?
		ORDER BY score
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, processedQuery, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*BM25Result{}, nil
		}
		return nil, localdberrors.IOError("running bm25 search", err)
	}
	defer rows.Close()

	var results []*BM25Result
	for rows.Next() {
		var docID string
		var score float64
		if err := rows.Scan(&docID, &score); err != nil {
			return nil, localdberrors.IOError("scanning bm25 result row", err)
		}
		results = append(results, &BM25Result{
			DocID:        docID,
			Score:        -score, // FTS5 bm25() is negative-is-better
			MatchedTerms: tokens,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, localdberrors.IOError("iterating bm25 result rows", err)
	}
	return results, nil
}

// Delete removes documents from both the FTS5 table and the doc_ids
// tracking table in one transaction.
func (s *SQLiteBM25Index) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return localdberrors.IOError("bm25 index is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localdberrors.IOError("beginning delete transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(docIDs))
	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM fts_content WHERE doc_id IN (%s)", inClause), args...); err != nil {
		return localdberrors.IOError("deleting from fts_content", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM doc_ids WHERE doc_id IN (%s)", inClause), args...); err != nil {
		return localdberrors.IOError("deleting from doc_ids", err)
	}

	if err := tx.Commit(); err != nil {
		return localdberrors.IOError("committing delete transaction", err)
	}
	return nil
}

// AllIDs returns every document ID currently tracked, for consistency
// checks against the vector store.
func (s *SQLiteBM25Index) AllIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, localdberrors.IOError("bm25 index is closed", nil)
	}

	rows, err := s.db.Query(`SELECT doc_id FROM doc_ids ORDER BY doc_id`)
	if err != nil {
		return nil, localdberrors.IOError("querying doc ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, localdberrors.IOError("scanning doc id", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, localdberrors.IOError("iterating doc ids", err)
	}
	return ids, nil
}

// Stats reports the document count. Term count and average document length
// would need a direct query against FTS5's internal shadow tables, which
// this index does not expose.
func (s *SQLiteBM25Index) Stats() *IndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return &IndexStats{}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM doc_ids`).Scan(&count); err != nil {
		return &IndexStats{}
	}
	return &IndexStats{DocumentCount: count}
}

// Save forces a WAL checkpoint so every change committed so far is folded
// into the main database file rather than left in the WAL.
func (s *SQLiteBM25Index) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return localdberrors.IOError("bm25 index is closed", nil)
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return localdberrors.IOError("checkpointing bm25 index", err)
	}
	return nil
}

// Load reopens the index at path, replacing the current connection.
func (s *SQLiteBM25Index) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil && !s.closed {
		_ = s.db.Close()
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return localdberrors.IOError(fmt.Sprintf("opening bm25 index at %s", path), err)
	}

	s.db = db
	s.path = path
	s.closed = false
	return nil
}

// Close checkpoints the WAL and closes the underlying connection.
// Idempotent: closing twice is a no-op, not an error.
func (s *SQLiteBM25Index) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
