package corpus

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

var (
	_ DocumentCorpus = (*SQLiteStore)(nil)
	_ MemoryCorpus   = (*SQLiteMemoryStore)(nil)
)

// SQLiteStore is a persistent DocumentCorpus on a single SQLite database.
// Embeddings are stored as little-endian float32 blobs, unit-normalized at
// write time so that similarity search reduces to a dot product. WAL mode
// plus a file lock guard against concurrent writers from other processes.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	dims   int
	lock   *flock.Flock
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path. An empty path
// creates an in-memory database for testing. dimensions must match the
// embedder producing the stored vectors.
func NewSQLiteStore(path string, dimensions int) (*SQLiteStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("sqlite store: dimensions must be positive, got %d", dimensions)
	}

	dsn := ":memory:"
	var lock *flock.Flock
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}

		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("sqlite store: acquire lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("sqlite store: %s is locked by another process", path)
		}

		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("sqlite store: open database: %w", err)
	}

	// Single writer prevents SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores journal params in the DSN, so pragmas go
	// through Exec.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			if lock != nil {
				_ = lock.Unlock()
			}
			return nil, fmt.Errorf("sqlite store: set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path, dims: dimensions, lock: lock}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("sqlite store: initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS passages (
		id            TEXT PRIMARY KEY,
		text          TEXT NOT NULL,
		document_id   TEXT NOT NULL,
		document_name TEXT NOT NULL,
		position      INTEGER NOT NULL,
		embedding     BLOB NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_passages_document
		ON passages(document_id, position);

	CREATE TABLE IF NOT EXISTS memories (
		channel_id    TEXT NOT NULL,
		id            TEXT NOT NULL,
		text          TEXT NOT NULL,
		document_id   TEXT NOT NULL,
		document_name TEXT NOT NULL,
		position      INTEGER NOT NULL,
		embedding     BLOB NOT NULL,
		created_at    INTEGER NOT NULL,
		PRIMARY KEY (channel_id, id)
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert implements DocumentCorpus.
func (s *SQLiteStore) Upsert(ctx context.Context, passages []*Passage) error {
	if len(passages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sqlite store: closed")
	}

	for _, p := range passages {
		if len(p.Embedding) != s.dims {
			return ErrDimensionMismatch{Expected: s.dims, Got: len(p.Embedding)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO passages
			(id, text, document_id, document_name, position, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range passages {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.Text, p.DocumentID, p.DocumentName, p.Position,
			encodeEmbedding(p.Embedding), createdAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("sqlite store: upsert passage %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// SimilaritySearch implements DocumentCorpus with a full scan over the
// (optionally filtered) passage set. SQLite has no native vector index;
// corpora large enough to need one should use the Postgres backend.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("sqlite store: closed")
	}
	if len(embedding) != s.dims {
		return nil, ErrDimensionMismatch{Expected: s.dims, Got: len(embedding)}
	}
	if topK <= 0 {
		return []Hit{}, nil
	}

	query := `
		SELECT id, text, document_id, document_name, position, embedding, created_at
		FROM passages`
	var args []any
	switch {
	case filter.DocumentID != "":
		query += ` WHERE document_id = ?`
		args = append(args, filter.DocumentID)
	case filter.DocumentName != "":
		query += ` WHERE document_name = ? COLLATE NOCASE`
		args = append(args, filter.DocumentName)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: similarity search: %w", err)
	}
	defer rows.Close()

	queryVec := make([]float32, len(embedding))
	copy(queryVec, embedding)
	normalizeVectorInPlace(queryVec)

	var hits []Hit
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{Passage: p, Score: clampScore(dotProduct(queryVec, p.Embedding))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: similarity search: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// PassagesForDocument implements DocumentCorpus.
func (s *SQLiteStore) PassagesForDocument(ctx context.Context, documentID string) ([]*Passage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("sqlite store: closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, document_id, document_name, position, embedding, created_at
		FROM passages
		WHERE document_id = ?
		ORDER BY position`, documentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: passages for document: %w", err)
	}
	defer rows.Close()

	var result []*Passage
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: passages for document: %w", err)
	}
	return result, nil
}

// Delete implements DocumentCorpus.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sqlite store: closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM passages WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("sqlite store: delete passage %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Count implements DocumentCorpus.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("sqlite store: closed")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite store: count: %w", err)
	}
	return count, nil
}

// Close implements DocumentCorpus.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

// Memories returns a MemoryCorpus view over the same database. The returned
// store shares the connection and must not be used after Close.
func (s *SQLiteStore) Memories() *SQLiteMemoryStore {
	return &SQLiteMemoryStore{store: s}
}

// SQLiteMemoryStore persists channel-scoped memories in the memories table of
// its parent SQLiteStore.
type SQLiteMemoryStore struct {
	store *SQLiteStore
}

// Remember implements MemoryCorpus.
func (m *SQLiteMemoryStore) Remember(ctx context.Context, channelID string, passage *Passage) error {
	if channelID == "" {
		return fmt.Errorf("sqlite store: empty channel id")
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if m.store.closed {
		return fmt.Errorf("sqlite store: closed")
	}
	if len(passage.Embedding) != m.store.dims {
		return ErrDimensionMismatch{Expected: m.store.dims, Got: len(passage.Embedding)}
	}

	createdAt := passage.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := m.store.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories
			(channel_id, id, text, document_id, document_name, position, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		channelID, passage.ID, passage.Text, passage.DocumentID, passage.DocumentName,
		passage.Position, encodeEmbedding(passage.Embedding), createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: remember: %w", err)
	}
	return nil
}

// SimilaritySearch implements MemoryCorpus.
func (m *SQLiteMemoryStore) SimilaritySearch(ctx context.Context, channelID string, embedding []float32, topK int) ([]Hit, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()

	if m.store.closed {
		return nil, fmt.Errorf("sqlite store: closed")
	}
	if len(embedding) != m.store.dims {
		return nil, ErrDimensionMismatch{Expected: m.store.dims, Got: len(embedding)}
	}
	if topK <= 0 {
		return []Hit{}, nil
	}

	rows, err := m.store.db.QueryContext(ctx, `
		SELECT id, text, document_id, document_name, position, embedding, created_at
		FROM memories
		WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: memory search: %w", err)
	}
	defer rows.Close()

	queryVec := make([]float32, len(embedding))
	copy(queryVec, embedding)
	normalizeVectorInPlace(queryVec)

	hits := []Hit{}
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{Passage: p, Score: clampScore(dotProduct(queryVec, p.Embedding))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: memory search: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Close implements MemoryCorpus. The underlying database is owned by the
// parent SQLiteStore, so this is a no-op.
func (m *SQLiteMemoryStore) Close() error { return nil }

func scanPassage(rows *sql.Rows) (*Passage, error) {
	var (
		p         Passage
		blob      []byte
		createdAt int64
	)
	if err := rows.Scan(&p.ID, &p.Text, &p.DocumentID, &p.DocumentName, &p.Position, &blob, &createdAt); err != nil {
		return nil, fmt.Errorf("sqlite store: scan passage: %w", err)
	}
	p.Embedding = decodeEmbedding(blob)
	p.CreatedAt = time.Unix(0, createdAt)
	return &p, nil
}

// encodeEmbedding serializes a vector as little-endian float32, unit
// normalized so search is a plain dot product.
func encodeEmbedding(v []float32) []byte {
	normalized := make([]float32, len(v))
	copy(normalized, v)
	normalizeVectorInPlace(normalized)

	buf := make([]byte, 4*len(normalized))
	for i, x := range normalized {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
