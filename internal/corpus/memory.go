package corpus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"
)

// Default HNSW parameters.
const (
	defaultHNSWM        = 16
	defaultHNSWEfSearch = 20
)

var _ DocumentCorpus = (*MemoryStore)(nil)

// MemoryStore is an in-process DocumentCorpus backed by a coder/hnsw graph.
// It keeps every passage in memory; persistence belongs to the SQLite and
// Postgres backends. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	// String ids map to internal uint64 keys. Removed ids are lazily
	// deleted: the node stays in the graph but loses its keyMap entry,
	// because coder/hnsw misbehaves when the last node is deleted.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	orphans int

	passages map[string]*Passage

	closed bool
}

// NewMemoryStore creates an empty in-process store for embeddings of the
// given dimension.
func NewMemoryStore(dimensions int) (*MemoryStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("memory store: dimensions must be positive, got %d", dimensions)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = defaultHNSWM
	graph.EfSearch = defaultHNSWEfSearch
	graph.Ml = 0.25

	return &MemoryStore{
		graph:    graph,
		dims:     dimensions,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		passages: make(map[string]*Passage),
	}, nil
}

// Upsert implements DocumentCorpus. Existing ids are replaced via lazy
// deletion of their old graph node.
func (s *MemoryStore) Upsert(ctx context.Context, passages []*Passage) error {
	if len(passages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memory store: closed")
	}

	for _, p := range passages {
		if len(p.Embedding) != s.dims {
			return ErrDimensionMismatch{Expected: s.dims, Got: len(p.Embedding)}
		}
	}

	for _, p := range passages {
		if oldKey, ok := s.idMap[p.ID]; ok {
			delete(s.keyMap, oldKey)
			delete(s.idMap, p.ID)
			s.orphans++
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(p.Embedding))
		copy(vec, p.Embedding)
		normalizeVectorInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[p.ID] = key
		s.keyMap[key] = p.ID

		stored := *p
		s.passages[p.ID] = &stored
	}

	return nil
}

// SimilaritySearch implements DocumentCorpus. Filtered searches scan the
// matching passages directly since a filter restricts to one document, which
// is far smaller than the graph.
func (s *MemoryStore) SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("memory store: closed")
	}
	if len(embedding) != s.dims {
		return nil, ErrDimensionMismatch{Expected: s.dims, Got: len(embedding)}
	}
	if topK <= 0 || len(s.passages) == 0 {
		return []Hit{}, nil
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	normalizeVectorInPlace(query)

	if !filter.Empty() {
		return s.scanFiltered(query, topK, filter), nil
	}

	// Over-fetch to absorb lazily deleted nodes still present in the graph.
	nodes := s.graph.Search(query, topK+s.orphans)

	hits := make([]Hit, 0, topK)
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		distance := s.graph.Distance(query, node.Value)
		hits = append(hits, Hit{
			Passage: s.passages[id],
			Score:   clampScore(1 - float64(distance)),
		})
		if len(hits) == topK {
			break
		}
	}

	return hits, nil
}

func (s *MemoryStore) scanFiltered(query []float32, topK int, filter Filter) []Hit {
	hits := make([]Hit, 0)
	for id, p := range s.passages {
		if _, live := s.idMap[id]; !live {
			continue
		}
		if !filter.Matches(p) {
			continue
		}
		vec := make([]float32, len(p.Embedding))
		copy(vec, p.Embedding)
		normalizeVectorInPlace(vec)
		distance := s.graph.Distance(query, vec)
		hits = append(hits, Hit{Passage: p, Score: clampScore(1 - float64(distance))})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// PassagesForDocument implements DocumentCorpus.
func (s *MemoryStore) PassagesForDocument(ctx context.Context, documentID string) ([]*Passage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("memory store: closed")
	}

	var result []*Passage
	for id, p := range s.passages {
		if _, live := s.idMap[id]; !live {
			continue
		}
		if p.DocumentID == documentID {
			result = append(result, p)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

// Delete implements DocumentCorpus using lazy deletion.
func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memory store: closed")
	}

	for _, id := range ids {
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.passages, id)
			s.orphans++
		}
	}

	return nil
}

// Count implements DocumentCorpus.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("memory store: closed")
	}
	return len(s.idMap), nil
}

// Close implements DocumentCorpus.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Matches reports whether a passage satisfies the filter.
func (f Filter) Matches(p *Passage) bool {
	if f.DocumentID != "" && p.DocumentID != f.DocumentID {
		return false
	}
	if f.DocumentName != "" && !strings.EqualFold(p.DocumentName, f.DocumentName) {
		return false
	}
	return true
}

var _ MemoryCorpus = (*ChannelMemoryStore)(nil)

// ChannelMemoryStore is an in-process MemoryCorpus that keeps one MemoryStore
// per channel. Channels are created lazily on first Remember.
type ChannelMemoryStore struct {
	mu     sync.RWMutex
	dims   int
	stores map[string]*MemoryStore
	closed bool
}

// NewChannelMemoryStore creates an empty channel-scoped memory corpus.
func NewChannelMemoryStore(dimensions int) (*ChannelMemoryStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("channel memory store: dimensions must be positive, got %d", dimensions)
	}
	return &ChannelMemoryStore{
		dims:   dimensions,
		stores: make(map[string]*MemoryStore),
	}, nil
}

// Remember implements MemoryCorpus.
func (c *ChannelMemoryStore) Remember(ctx context.Context, channelID string, passage *Passage) error {
	if channelID == "" {
		return fmt.Errorf("channel memory store: empty channel id")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel memory store: closed")
	}
	store, ok := c.stores[channelID]
	if !ok {
		var err error
		store, err = NewMemoryStore(c.dims)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.stores[channelID] = store
	}
	c.mu.Unlock()

	return store.Upsert(ctx, []*Passage{passage})
}

// SimilaritySearch implements MemoryCorpus. Unknown channels yield no hits.
func (c *ChannelMemoryStore) SimilaritySearch(ctx context.Context, channelID string, embedding []float32, topK int) ([]Hit, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("channel memory store: closed")
	}
	store, ok := c.stores[channelID]
	c.mu.RUnlock()

	if !ok {
		return []Hit{}, nil
	}
	return store.SimilaritySearch(ctx, embedding, topK, Filter{})
}

// Close implements MemoryCorpus.
func (c *ChannelMemoryStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, store := range c.stores {
		_ = store.Close()
	}
	c.closed = true
	return nil
}

// normalizeVectorInPlace scales v to unit length. Zero vectors are left
// unchanged.
func normalizeVectorInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// clampScore bounds a similarity score to [0,1], mapping NaN to 0.
func clampScore(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
