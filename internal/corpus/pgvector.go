package corpus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

var (
	_ DocumentCorpus = (*PostgresStore)(nil)
	_ MemoryCorpus   = (*PostgresMemoryStore)(nil)
)

// PostgresStore is a DocumentCorpus backed by PostgreSQL with the pgvector
// extension. Similarity search runs server-side over an HNSW index using the
// cosine distance operator, which keeps large corpora out of process memory.
//
// All methods are safe for concurrent use; pgxpool handles connection
// management.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int

	// table is the passages table for this corpus. Shared and personal
	// corpora live in the same database under different tables.
	table string
}

// NewPostgresStore connects to the database at dsn, registers pgvector types
// on every connection, and ensures the schema exists. corpusName scopes the
// passages table (e.g. "shared" uses shared_passages), letting several
// corpora share one database. dimensions must match the embedding model;
// changing it later requires a manual migration.
func NewPostgresStore(ctx context.Context, dsn string, corpusName string, dimensions int) (*PostgresStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("postgres store: dimensions must be positive, got %d", dimensions)
	}
	if !validCorpusName(corpusName) {
		return nil, fmt.Errorf("postgres store: invalid corpus name %q", corpusName)
	}
	table := corpusName + "_passages"

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types so embedding columns scan into and insert
	// from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := migrate(ctx, pool, table, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &PostgresStore{pool: pool, dims: dimensions, table: table}, nil
}

// validCorpusName restricts corpus names to identifier characters since the
// name is spliced into DDL and queries.
func validCorpusName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

func migrate(ctx context.Context, pool *pgxpool.Pool, table string, dimensions int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			text          TEXT NOT NULL,
			document_id   TEXT NOT NULL,
			document_name TEXT NOT NULL,
			position      INTEGER NOT NULL,
			embedding     vector(%d) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dimensions),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_document
			ON %s (document_id, position)`, table, table),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_embedding
			ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			channel_id    TEXT NOT NULL,
			id            TEXT NOT NULL,
			text          TEXT NOT NULL,
			document_id   TEXT NOT NULL,
			document_name TEXT NOT NULL,
			position      INTEGER NOT NULL,
			embedding     vector(%d) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (channel_id, id)
		)`, dimensions),

		`CREATE INDEX IF NOT EXISTS idx_memories_embedding
			ON memories USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i]) + " ..."
	}
	return s
}

// Upsert implements DocumentCorpus.
func (s *PostgresStore) Upsert(ctx context.Context, passages []*Passage) error {
	if len(passages) == 0 {
		return nil
	}

	for _, p := range passages {
		if len(p.Embedding) != s.dims {
			return ErrDimensionMismatch{Expected: s.dims, Got: len(p.Embedding)}
		}
	}

	q := fmt.Sprintf(`
		INSERT INTO %s
			(id, text, document_id, document_name, position, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			text          = EXCLUDED.text,
			document_id   = EXCLUDED.document_id,
			document_name = EXCLUDED.document_name,
			position      = EXCLUDED.position,
			embedding     = EXCLUDED.embedding,
			created_at    = EXCLUDED.created_at`, s.table)

	batch := &pgx.Batch{}
	for _, p := range passages {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		batch.Queue(q, p.ID, p.Text, p.DocumentID, p.DocumentName, p.Position,
			pgvector.NewVector(p.Embedding), createdAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range passages {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres store: upsert: %w", err)
		}
	}
	return nil
}

// SimilaritySearch implements DocumentCorpus. Ordering happens server-side by
// ascending cosine distance.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Hit, error) {
	if len(embedding) != s.dims {
		return nil, ErrDimensionMismatch{Expected: s.dims, Got: len(embedding)}
	}
	if topK <= 0 {
		return []Hit{}, nil
	}

	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.DocumentID != "" {
		conditions = append(conditions, "document_id = "+next(filter.DocumentID))
	}
	if filter.DocumentName != "" {
		conditions = append(conditions, "lower(document_name) = lower("+next(filter.DocumentName)+")")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, text, document_id, document_name, position, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   %s
		%s
		ORDER  BY distance
		LIMIT  %s`, s.table, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similarity search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, collectHit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similarity search: %w", err)
	}
	return hits, nil
}

// PassagesForDocument implements DocumentCorpus.
func (s *PostgresStore) PassagesForDocument(ctx context.Context, documentID string) ([]*Passage, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, text, document_id, document_name, position, embedding, created_at
		FROM   %s
		WHERE  document_id = $1
		ORDER  BY position`, s.table), documentID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: passages for document: %w", err)
	}

	passages, err := pgx.CollectRows(rows, collectPassage)
	if err != nil {
		return nil, fmt.Errorf("postgres store: passages for document: %w", err)
	}
	return passages, nil
}

// Delete implements DocumentCorpus.
func (s *PostgresStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	return nil
}

// Count implements DocumentCorpus.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres store: count: %w", err)
	}
	return count, nil
}

// Close implements DocumentCorpus.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Memories returns a MemoryCorpus view over the same pool.
func (s *PostgresStore) Memories() *PostgresMemoryStore {
	return &PostgresMemoryStore{store: s}
}

// PostgresMemoryStore persists channel-scoped memories in the memories table
// of its parent PostgresStore.
type PostgresMemoryStore struct {
	store *PostgresStore
}

// Remember implements MemoryCorpus.
func (m *PostgresMemoryStore) Remember(ctx context.Context, channelID string, passage *Passage) error {
	if channelID == "" {
		return fmt.Errorf("postgres store: empty channel id")
	}
	if len(passage.Embedding) != m.store.dims {
		return ErrDimensionMismatch{Expected: m.store.dims, Got: len(passage.Embedding)}
	}

	createdAt := passage.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
		INSERT INTO memories
			(channel_id, id, text, document_id, document_name, position, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel_id, id) DO UPDATE SET
			text          = EXCLUDED.text,
			document_id   = EXCLUDED.document_id,
			document_name = EXCLUDED.document_name,
			position      = EXCLUDED.position,
			embedding     = EXCLUDED.embedding,
			created_at    = EXCLUDED.created_at`

	_, err := m.store.pool.Exec(ctx, q,
		channelID, passage.ID, passage.Text, passage.DocumentID, passage.DocumentName,
		passage.Position, pgvector.NewVector(passage.Embedding), createdAt)
	if err != nil {
		return fmt.Errorf("postgres store: remember: %w", err)
	}
	return nil
}

// SimilaritySearch implements MemoryCorpus.
func (m *PostgresMemoryStore) SimilaritySearch(ctx context.Context, channelID string, embedding []float32, topK int) ([]Hit, error) {
	if len(embedding) != m.store.dims {
		return nil, ErrDimensionMismatch{Expected: m.store.dims, Got: len(embedding)}
	}
	if topK <= 0 {
		return []Hit{}, nil
	}

	rows, err := m.store.pool.Query(ctx, `
		SELECT id, text, document_id, document_name, position, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   memories
		WHERE  channel_id = $2
		ORDER  BY distance
		LIMIT  $3`, pgvector.NewVector(embedding), channelID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: memory search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, collectHit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: memory search: %w", err)
	}
	return hits, nil
}

// Close implements MemoryCorpus. The pool is owned by the parent store.
func (m *PostgresMemoryStore) Close() error { return nil }

func collectPassage(row pgx.CollectableRow) (*Passage, error) {
	var (
		p   Passage
		vec pgvector.Vector
	)
	if err := row.Scan(&p.ID, &p.Text, &p.DocumentID, &p.DocumentName, &p.Position, &vec, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Embedding = vec.Slice()
	return &p, nil
}

func collectHit(row pgx.CollectableRow) (Hit, error) {
	var (
		p        Passage
		vec      pgvector.Vector
		distance float64
	)
	if err := row.Scan(&p.ID, &p.Text, &p.DocumentID, &p.DocumentName, &p.Position, &vec, &p.CreatedAt, &distance); err != nil {
		return Hit{}, err
	}
	p.Embedding = vec.Slice()
	return Hit{Passage: &p, Score: clampScore(1 - distance)}, nil
}
