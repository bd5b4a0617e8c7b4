package retrieve

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/rank"
)

var assertAnError = errors.New("backing store unavailable")

// stubCorpus returns canned hits regardless of the query embedding.
type stubCorpus struct {
	hits  []corpus.Hit
	docs  map[string][]*corpus.Passage
	err   error
	delay time.Duration
}

func (s *stubCorpus) Upsert(ctx context.Context, passages []*corpus.Passage) error { return nil }

func (s *stubCorpus) SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter corpus.Filter) ([]corpus.Hit, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > topK {
		return s.hits[:topK], nil
	}
	return s.hits, nil
}

func (s *stubCorpus) PassagesForDocument(ctx context.Context, documentID string) ([]*corpus.Passage, error) {
	return s.docs[documentID], nil
}

func (s *stubCorpus) Delete(ctx context.Context, ids []string) error { return nil }
func (s *stubCorpus) Count(ctx context.Context) (int, error)         { return len(s.hits), nil }
func (s *stubCorpus) Close() error                                   { return nil }

// stubMemories implements MemoryCorpus with canned hits.
type stubMemories struct {
	hits []corpus.Hit
}

func (s *stubMemories) Remember(ctx context.Context, channelID string, passage *corpus.Passage) error {
	return nil
}

func (s *stubMemories) SimilaritySearch(ctx context.Context, channelID string, embedding []float32, topK int) ([]corpus.Hit, error) {
	return s.hits, nil
}

func (s *stubMemories) Close() error { return nil }

func hit(id, doc, text string, position int, score float64) corpus.Hit {
	return corpus.Hit{
		Passage: &corpus.Passage{
			ID:           id,
			Text:         text,
			DocumentID:   doc,
			DocumentName: doc + ".md",
			Position:     position,
		},
		Score: score,
	}
}

func newTestRetriever(shared, personal corpus.DocumentCorpus, memories corpus.MemoryCorpus) *MultiStageRetriever {
	return NewMultiStageRetriever(shared, personal, memories, nil, DefaultMultiStageConfig(), nil)
}

func TestMultiStageEndToEnd(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins are valuable", 0, 0.9),
		hit("p2", "docA", "silver coins exist too", 1, 0.85),
		hit("p3", "docB", "bananas are yellow", 0, 0.3),
	}}

	r := newTestRetriever(shared, nil, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "how much is gold worth",
		Embedding: []float32{1, 0},
		TopK:      2,
	})

	require.Len(t, results, 2)
	assert.Equal(t, corpus.NamespaceShared+"p1", results[0].Passage.ID)
	assert.Equal(t, corpus.NamespaceShared+"p2", results[1].Passage.ID)
	assert.Greater(t, results[0].CombinedScore, results[1].CombinedScore)
}

func TestMultiStageDiversityCapWithFallback(t *testing.T) {
	// 10 candidates all from one document: the per-document cap of
	// max(1, 9/3) = 3 must relax so topK results still come back.
	var hits []corpus.Hit
	for i := 0; i < 10; i++ {
		hits = append(hits, hit(
			fmt.Sprintf("p%d", i), "docA",
			fmt.Sprintf("gold ledger entry number %d", i),
			i, 0.95-float64(i)*0.05))
	}
	shared := &stubCorpus{hits: hits}

	r := newTestRetriever(shared, nil, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold ledger",
		Embedding: []float32{1, 0},
		TopK:      9,
	})

	assert.Len(t, results, 9)
}

func TestMultiStageDiversityCapPrefersOtherDocuments(t *testing.T) {
	// With enough distinct documents, no document exceeds the cap.
	var hits []corpus.Hit
	for i := 0; i < 12; i++ {
		doc := fmt.Sprintf("doc%d", i%4)
		hits = append(hits, hit(
			fmt.Sprintf("p%d", i), doc,
			fmt.Sprintf("gold trade record %d", i),
			i%3, 0.95-float64(i)*0.03))
	}
	shared := &stubCorpus{hits: hits}

	r := newTestRetriever(shared, nil, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold trade",
		Embedding: []float32{1, 0},
		TopK:      6,
	})

	require.Len(t, results, 6)
	perDoc := make(map[string]int)
	for _, res := range results {
		perDoc[res.Passage.DocumentID]++
	}
	for doc, count := range perDoc {
		assert.LessOrEqual(t, count, 2, "document %s exceeds cap", doc)
	}
}

func TestMultiStageCrossCorpusDedup(t *testing.T) {
	// The same id in two corpora is two distinct passages after
	// namespacing, while a duplicate within reach of both lists keeps
	// its first occurrence.
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins are valuable currency", 0, 0.9),
	}}
	personal := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docC", "my private note about gold savings", 0, 0.8),
	}}

	r := newTestRetriever(shared, personal, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold coins savings",
		Embedding: []float32{1, 0},
		TopK:      5,
	})

	require.Len(t, results, 2)
	ids := []string{results[0].Passage.ID, results[1].Passage.ID}
	assert.Contains(t, ids, corpus.NamespaceShared+"p1")
	assert.Contains(t, ids, corpus.NamespacePersonal+"p1")
}

func TestMultiStageSourceFailureYieldsPartialResults(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins are valuable currency", 0, 0.9),
		hit("p2", "docB", "gold bars stored in the vault", 0, 0.8),
	}}
	personal := &stubCorpus{err: errors.New("store offline")}

	r := newTestRetriever(shared, personal, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold coins vault",
		Embedding: []float32{1, 0},
		TopK:      5,
	})

	assert.Len(t, results, 2, "failing source contributes empty, not error")
}

func TestMultiStageAllSourcesFail(t *testing.T) {
	shared := &stubCorpus{err: errors.New("store offline")}
	personal := &stubCorpus{err: errors.New("store offline")}

	r := newTestRetriever(shared, personal, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold",
		Embedding: []float32{1, 0},
		TopK:      5,
	})

	assert.Empty(t, results)
}

func TestMultiStageSlowSourceDropped(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins are valuable currency", 0, 0.9),
	}}
	personal := &stubCorpus{
		hits:  []corpus.Hit{hit("p9", "docZ", "slow gold result", 0, 0.99)},
		delay: 200 * time.Millisecond,
	}

	cfg := DefaultMultiStageConfig()
	cfg.SourceTimeout = 20 * time.Millisecond
	r := NewMultiStageRetriever(shared, personal, nil, nil, cfg, nil)

	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold coins",
		Embedding: []float32{1, 0},
		TopK:      5,
	})

	require.Len(t, results, 1)
	assert.Equal(t, corpus.NamespaceShared+"p1", results[0].Passage.ID)
}

func TestMultiStageMemorySource(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins are valuable currency", 0, 0.9),
	}}
	memories := &stubMemories{hits: []corpus.Hit{
		hit("m1", "chan-7", "user asked about gold prices yesterday", 0, 0.7),
	}}

	r := newTestRetriever(shared, nil, memories)

	// Without a channel id the memory source is skipped
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold prices",
		Embedding: []float32{1, 0},
		TopK:      5,
	})
	require.Len(t, results, 1)

	results = r.Retrieve(context.Background(), SearchRequest{
		Query:     "gold prices",
		Embedding: []float32{1, 0},
		TopK:      5,
		ChannelID: "chan-7",
	})
	require.Len(t, results, 2)

	var sawMemory bool
	for _, res := range results {
		if res.Passage.ID == corpus.NamespaceMemory+"m1" {
			sawMemory = true
		}
	}
	assert.True(t, sawMemory)
}

func TestMultiStageReferencedDocumentBoost(t *testing.T) {
	// Same similarity and text profile: the referenced document must win.
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "the ledger lists gold reserves", 0, 0.8),
		hit("p2", "docB", "the ledger lists gold reserves", 0, 0.8),
	}}

	r := newTestRetriever(shared, nil, nil)
	results := r.Retrieve(context.Background(), SearchRequest{
		Query:               "gold reserves in docB.md",
		Embedding:           []float32{1, 0},
		TopK:                2,
		ReferencedDocuments: []string{"docB.md"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, corpus.NamespaceShared+"p2", results[0].Passage.ID)
	assert.InDelta(t, 0.7, results[0].DocumentRelevance, 1e-9)
	assert.InDelta(t, 0.5, results[1].DocumentRelevance, 1e-9)
}

func TestMultiStageEmptyInputs(t *testing.T) {
	r := newTestRetriever(&stubCorpus{}, nil, nil)

	assert.Empty(t, r.Retrieve(context.Background(), SearchRequest{
		Query: "", Embedding: []float32{1}, TopK: 5,
	}))
	assert.Empty(t, r.Retrieve(context.Background(), SearchRequest{
		Query: "gold", Embedding: []float32{1}, TopK: 0,
	}))
	assert.Empty(t, r.Retrieve(context.Background(), SearchRequest{
		Query: "gold", Embedding: []float32{1}, TopK: 5,
	}))
}

func TestDiversityFilterUnit(t *testing.T) {
	passage := func(id, doc string, score float64) *rank.ScoredPassage {
		return &rank.ScoredPassage{
			Passage:       &corpus.Passage{ID: id, DocumentID: doc},
			CombinedScore: score,
		}
	}

	var candidates []*rank.ScoredPassage
	for i := 0; i < 10; i++ {
		candidates = append(candidates, passage(fmt.Sprintf("p%d", i), "docA", 1.0-float64(i)*0.05))
	}

	selected := diversityFilter(candidates, 9, 3, 2)
	require.Len(t, selected, 9)
	// Rank order preserved through cap, fallback, and backfill
	for i := 0; i < 9; i++ {
		assert.Equal(t, fmt.Sprintf("p%d", i), selected[i].Passage.ID)
	}
}

func TestKeywordRecallSource(t *testing.T) {
	ctx := context.Background()

	beast := &corpus.Passage{
		ID:           "lore/beasts.md#0",
		Text:         "the dragon hoard lies beneath the mountain",
		DocumentID:   "lore/beasts.md",
		DocumentName: "beasts.md",
		Position:     0,
		Embedding:    []float32{0, 1},
	}
	shared := &stubCorpus{
		hits: []corpus.Hit{hit("lore/coins.md#0", "lore/coins.md", "gold coins are valuable", 0, 0.9)},
		docs: map[string][]*corpus.Passage{"lore/beasts.md": {beast}},
	}

	keyword, err := corpus.NewKeywordIndex("")
	require.NoError(t, err)
	defer keyword.Close()
	require.NoError(t, keyword.Index(ctx, []*corpus.Passage{beast}))

	r := NewMultiStageRetriever(shared, nil, nil, keyword, DefaultMultiStageConfig(), nil)
	results := r.Retrieve(ctx, SearchRequest{
		Query:     "dragon hoard",
		Embedding: []float32{1, 0},
		TopK:      5,
	})

	ids := make([]string, 0, len(results))
	for _, sp := range results {
		ids = append(ids, sp.Passage.ID)
	}
	// The embedding source never returned the beast passage; the keyword
	// index recalled it and it resolved against the shared corpus.
	assert.Contains(t, ids, "shared/lore/beasts.md#0")
	assert.Contains(t, ids, "shared/lore/coins.md#0")
	assert.Len(t, results, 2)
}

func TestKeywordRecallDedupsAgainstEmbeddingHits(t *testing.T) {
	ctx := context.Background()

	beast := &corpus.Passage{
		ID:           "lore/beasts.md#0",
		Text:         "the dragon hoard lies beneath the mountain",
		DocumentID:   "lore/beasts.md",
		DocumentName: "beasts.md",
		Position:     0,
		Embedding:    []float32{1, 0},
	}
	shared := &stubCorpus{
		hits: []corpus.Hit{{Passage: beast, Score: 0.95}},
		docs: map[string][]*corpus.Passage{"lore/beasts.md": {beast}},
	}

	keyword, err := corpus.NewKeywordIndex("")
	require.NoError(t, err)
	defer keyword.Close()
	require.NoError(t, keyword.Index(ctx, []*corpus.Passage{beast}))

	r := NewMultiStageRetriever(shared, nil, nil, keyword, DefaultMultiStageConfig(), nil)
	results := r.Retrieve(ctx, SearchRequest{
		Query:     "dragon hoard",
		Embedding: []float32{1, 0},
		TopK:      5,
	})

	require.Len(t, results, 1)
	assert.Equal(t, "shared/lore/beasts.md#0", results[0].Passage.ID)
}

func TestRelevanceFloorDropsWeakCandidates(t *testing.T) {
	weak := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "unrelated chatter", 0, 0.0),
		hit("p2", "docB", "more unrelated chatter", 0, 0.0),
	}}
	req := SearchRequest{Query: "gold coins", Embedding: []float32{1, 0}, TopK: 5}

	// With the default floor, candidates carrying neither semantic nor
	// keyword signal are dropped even though topK has room.
	r := NewMultiStageRetriever(weak, nil, nil, nil, DefaultMultiStageConfig(), nil)
	assert.Empty(t, r.Retrieve(context.Background(), req))

	// A negative floor disables the filter and the weak candidates
	// survive the capped walk.
	cfg := DefaultMultiStageConfig()
	cfg.MinCombinedScore = -1
	r = NewMultiStageRetriever(weak, nil, nil, nil, cfg, nil)
	assert.Len(t, r.Retrieve(context.Background(), req), 2)
}

func TestMinCombinedScoreDefaults(t *testing.T) {
	cfg := MultiStageConfig{}.withDefaults()
	assert.Equal(t, defaultMinCombinedScore, cfg.MinCombinedScore)

	disabled := MultiStageConfig{MinCombinedScore: -1}.withDefaults()
	assert.Zero(t, disabled.MinCombinedScore)

	raised := MultiStageConfig{MinCombinedScore: 0.4}.withDefaults()
	assert.Equal(t, 0.4, raised.MinCombinedScore)
}
