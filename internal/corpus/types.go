// Package corpus provides the passage stores queried by the retrieval
// pipeline: an in-process HNSW-backed corpus, SQLite persistence, a
// PostgreSQL/pgvector backend, and an auxiliary Bleve keyword index.
package corpus

import (
	"context"
	"fmt"
	"time"
)

// Namespace prefixes applied to passage ids before cross-corpus fusion.
// Ids are only unique within a corpus; without a namespace, fusion would
// wrongly merge distinct passages that happen to share an id.
const (
	NamespaceShared   = "shared/"
	NamespacePersonal = "personal/"
	NamespaceMemory   = "memory/"
)

// Passage is a stored unit of document or memory text plus its embedding.
// Passages are produced at ingestion time and immutable once stored; ranking
// annotations live on rank.ScoredPassage, never here.
type Passage struct {
	// ID is unique within its corpus.
	ID string

	// Text is the passage content.
	Text string

	// DocumentID identifies the source document.
	DocumentID string

	// DocumentName is the human-readable source name (filename or title).
	DocumentName string

	// Position is the 0-indexed chunk position within the source document.
	Position int

	// Embedding is the passage vector. Dimension is fixed per corpus.
	Embedding []float32

	// CreatedAt is the ingestion timestamp.
	CreatedAt time.Time
}

// Namespaced returns the passage id prefixed with the given corpus namespace.
func (p *Passage) Namespaced(ns string) string {
	return ns + p.ID
}

// Hit is a passage returned by similarity search together with its raw
// cosine-similarity score.
type Hit struct {
	Passage *Passage

	// Score is the cosine similarity to the query embedding, clamped to
	// [0,1] at the store boundary (NaN and negative values become 0).
	Score float64
}

// Filter restricts a similarity search to a single document.
type Filter struct {
	// DocumentID restricts results to one document id, when non-empty.
	DocumentID string

	// DocumentName restricts results to documents whose name matches,
	// when non-empty. Matching is case-insensitive.
	DocumentName string
}

// Empty reports whether the filter imposes no restriction.
func (f Filter) Empty() bool {
	return f.DocumentID == "" && f.DocumentName == ""
}

// DocumentCorpus is a backing store of document passages.
type DocumentCorpus interface {
	// Upsert stores passages with their embeddings. Existing ids are
	// replaced.
	Upsert(ctx context.Context, passages []*Passage) error

	// SimilaritySearch returns up to topK passages by descending cosine
	// similarity to the query embedding, optionally restricted by filter.
	SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Hit, error)

	// PassagesForDocument returns all passages of one document in position
	// order.
	PassagesForDocument(ctx context.Context, documentID string) ([]*Passage, error)

	// Delete removes passages by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of stored passages.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryCorpus stores conversational memories scoped by channel.
type MemoryCorpus interface {
	// Remember stores a memory passage for a channel.
	Remember(ctx context.Context, channelID string, passage *Passage) error

	// SimilaritySearch returns up to topK memories for the channel by
	// descending cosine similarity.
	SimilaritySearch(ctx context.Context, channelID string, embedding []float32, topK int) ([]Hit, error)

	// Close releases store resources.
	Close() error
}

// ErrDimensionMismatch indicates a query or passage embedding whose
// dimension does not match the corpus.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
