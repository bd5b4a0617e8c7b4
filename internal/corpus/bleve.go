package corpus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
)

// KeywordIndex is an auxiliary Bleve full-text index over passage text. It
// answers pure keyword queries without an embedding round-trip, which the
// in-request BM25 reranker cannot do on its own since that scorer only sees
// passages the vector search already surfaced.
type KeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// KeywordHit is a keyword match with its BM25 score from Bleve.
type KeywordHit struct {
	ID    string
	Score float64
}

type keywordDocument struct {
	Text         string `json:"text"`
	DocumentName string `json:"document_name"`
}

// NewKeywordIndex opens (or creates) a Bleve index at path. An empty path
// creates an in-memory index for testing.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = standard.Name

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("keyword index: open: %w", err)
	}

	return &KeywordIndex{index: idx, path: path}, nil
}

// Index adds passages to the index. Existing ids are replaced.
func (k *KeywordIndex) Index(ctx context.Context, passages []*Passage) error {
	if len(passages) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("keyword index: closed")
	}

	batch := k.index.NewBatch()
	for _, p := range passages {
		doc := keywordDocument{Text: p.Text, DocumentName: p.DocumentName}
		if err := batch.Index(p.ID, doc); err != nil {
			return fmt.Errorf("keyword index: index passage %s: %w", p.ID, err)
		}
	}

	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("keyword index: execute batch: %w", err)
	}
	return nil
}

// Search returns up to limit passages matching the keyword query, scored by
// Bleve's BM25 implementation. An empty query matches nothing.
func (k *KeywordIndex) Search(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, fmt.Errorf("keyword index: closed")
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []KeywordHit{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("text")

	request := bleve.NewSearchRequest(matchQuery)
	request.Size = limit

	result, err := k.index.SearchInContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("keyword index: search: %w", err)
	}

	hits := make([]KeywordHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, KeywordHit{ID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Delete removes passages by id.
func (k *KeywordIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("keyword index: closed")
	}

	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("keyword index: delete: %w", err)
	}
	return nil
}

// Count returns the number of indexed passages.
func (k *KeywordIndex) Count() (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return 0, fmt.Errorf("keyword index: closed")
	}

	n, err := k.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("keyword index: count: %w", err)
	}
	return int(n), nil
}

// Close releases the index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.index.Close()
}
