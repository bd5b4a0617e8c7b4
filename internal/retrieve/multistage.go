package retrieve

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lorehaven/archivist/internal/corpus"
	apperrors "github.com/lorehaven/archivist/internal/errors"
	"github.com/lorehaven/archivist/internal/rank"
)

// Re-ranking signal weights. The four signals are combined linearly;
// position and document relevance are deliberately small corrections on
// top of the semantic+keyword core.
const (
	rerankSemanticWeight = 0.5
	rerankKeywordWeight  = 0.3
	rerankPositionWeight = 0.1
	rerankDocumentWeight = 0.1

	// referencedDocRelevance applies when the query names the source
	// document; neutralDocRelevance otherwise.
	referencedDocRelevance = 0.7
	neutralDocRelevance    = 0.5

	// positionBonusScale caps the early-chunk bonus contribution.
	positionBonusScale = 0.1

	// defaultMinCombinedScore drops candidates whose combined score
	// carries almost no semantic or keyword signal beyond the baseline
	// position and document terms.
	defaultMinCombinedScore = 0.25
)

// MultiStageConfig tunes the three retrieval stages.
type MultiStageConfig struct {
	// OverfetchFactor is how many candidates each source returns relative
	// to topK (default: 3).
	OverfetchFactor int

	// SourceTimeout bounds each source query (default: 5s). A source that
	// times out contributes nothing.
	SourceTimeout time.Duration

	// Workers bounds concurrent source queries (default: 3).
	Workers int

	// DiversityDivisor derives the per-document cap: max(1, topK/divisor)
	// (default: 3).
	DiversityDivisor int

	// MinResultsDivisor derives the relaxed-fallback floor: the cap is
	// ignored while fewer than topK/divisor results are selected
	// (default: 2).
	MinResultsDivisor int

	// MinCombinedScore is the relevance floor applied after re-ranking
	// (default: 0.25). Negative disables the floor.
	MinCombinedScore float64
}

// DefaultMultiStageConfig returns the default stage tuning.
func DefaultMultiStageConfig() MultiStageConfig {
	return MultiStageConfig{
		OverfetchFactor:   3,
		SourceTimeout:     5 * time.Second,
		Workers:           3,
		DiversityDivisor:  3,
		MinResultsDivisor: 2,
		MinCombinedScore:  defaultMinCombinedScore,
	}
}

func (c MultiStageConfig) withDefaults() MultiStageConfig {
	def := DefaultMultiStageConfig()
	if c.OverfetchFactor < 1 {
		c.OverfetchFactor = def.OverfetchFactor
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = def.SourceTimeout
	}
	if c.Workers < 1 {
		c.Workers = def.Workers
	}
	if c.DiversityDivisor < 1 {
		c.DiversityDivisor = def.DiversityDivisor
	}
	if c.MinResultsDivisor < 1 {
		c.MinResultsDivisor = def.MinResultsDivisor
	}
	if c.MinCombinedScore == 0 {
		c.MinCombinedScore = def.MinCombinedScore
	}
	if c.MinCombinedScore < 0 {
		c.MinCombinedScore = 0
	}
	return c
}

// SearchRequest is one multi-stage retrieval call.
type SearchRequest struct {
	Query     string
	Embedding []float32
	TopK      int

	// Filter restricts document sources to one document.
	Filter corpus.Filter

	// ChannelID scopes the memory source. Empty skips memories.
	ChannelID string

	// ReferencedDocuments are document names or ids the query mentions,
	// feeding the document-relevance signal.
	ReferencedDocuments []string
}

// MultiStageRetriever turns a query embedding into a ranked, diversified
// passage list drawn from the shared corpus, the personal corpus, and
// channel memories.
//
// Stage 1 over-fetches candidates from every source concurrently and
// deduplicates by namespaced passage id. Stage 2 re-ranks with four
// signals. Stage 3 applies a per-document diversity cap with a relaxed
// fallback for small result sets.
type MultiStageRetriever struct {
	shared   corpus.DocumentCorpus
	personal corpus.DocumentCorpus
	memories corpus.MemoryCorpus
	keyword  *corpus.KeywordIndex
	config   MultiStageConfig
	logger   *slog.Logger
}

// NewMultiStageRetriever creates a retriever over the given stores.
// personal, memories and keyword may be nil.
func NewMultiStageRetriever(shared, personal corpus.DocumentCorpus, memories corpus.MemoryCorpus, keyword *corpus.KeywordIndex, cfg MultiStageConfig, logger *slog.Logger) *MultiStageRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStageRetriever{
		shared:   shared,
		personal: personal,
		memories: memories,
		keyword:  keyword,
		config:   cfg.withDefaults(),
		logger:   logger,
	}
}

// source is one fan-out target of the broad-retrieval stage.
type source struct {
	name      string
	namespace string
	search    func(ctx context.Context, topK int) ([]corpus.Hit, error)
}

// Retrieve runs the three stages. Source failures contribute empty
// candidate sets; total failure yields an empty list, never an error.
func (r *MultiStageRetriever) Retrieve(ctx context.Context, req SearchRequest) []*rank.ScoredPassage {
	if req.TopK <= 0 || strings.TrimSpace(req.Query) == "" {
		return []*rank.ScoredPassage{}
	}

	candidates := r.gather(ctx, req)
	if len(candidates) == 0 {
		return []*rank.ScoredPassage{}
	}

	reranked := r.rerank(req.Query, candidates, req.ReferencedDocuments)
	reranked = dropLowRelevance(reranked, r.config.MinCombinedScore)
	return diversityFilter(reranked, req.TopK, r.config.DiversityDivisor, r.config.MinResultsDivisor)
}

// gather is stage 1: concurrent over-fetch from every source, then a
// namespace-and-dedup merge. Sources are merged in a fixed order so the
// first-occurrence-wins dedup is deterministic regardless of completion
// order.
func (r *MultiStageRetriever) gather(ctx context.Context, req SearchRequest) []corpus.Hit {
	sources := r.sources(req)
	if len(sources) == 0 {
		return nil
	}

	fetchK := req.TopK * r.config.OverfetchFactor
	results := make([][]corpus.Hit, len(sources))

	sem := semaphore.NewWeighted(int64(r.config.Workers))
	g, gctx := errgroup.WithContext(ctx)

	for i, src := range sources {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			srcCtx, cancel := context.WithTimeout(gctx, r.config.SourceTimeout)
			defer cancel()

			hits, err := src.search(srcCtx, fetchK)
			if err != nil {
				// Missing = empty: partial results beat failure
				kind := apperrors.SourceFailed(src.name, err)
				if srcCtx.Err() == context.DeadlineExceeded {
					kind = apperrors.SourceTimeout(src.name, err)
				}
				r.logger.Warn("retrieval source dropped",
					slog.String("source", src.name),
					slog.String("code", kind.Code),
					slog.String("error", err.Error()))
				return nil
			}

			namespaced := make([]corpus.Hit, 0, len(hits))
			for _, h := range hits {
				if h.Passage == nil {
					continue
				}
				p := *h.Passage
				p.ID = h.Passage.Namespaced(src.namespace)
				namespaced = append(namespaced, corpus.Hit{Passage: &p, Score: h.Score})
			}
			results[i] = namespaced
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var merged []corpus.Hit
	for _, hits := range results {
		for _, h := range hits {
			if seen[h.Passage.ID] {
				continue
			}
			seen[h.Passage.ID] = true
			merged = append(merged, h)
		}
	}
	return merged
}

// sources builds the fan-out list for one request.
func (r *MultiStageRetriever) sources(req SearchRequest) []source {
	var sources []source

	if r.shared != nil {
		sources = append(sources, source{
			name:      "shared",
			namespace: corpus.NamespaceShared,
			search: func(ctx context.Context, topK int) ([]corpus.Hit, error) {
				return r.shared.SimilaritySearch(ctx, req.Embedding, topK, req.Filter)
			},
		})
	}
	if r.personal != nil {
		sources = append(sources, source{
			name:      "personal",
			namespace: corpus.NamespacePersonal,
			search: func(ctx context.Context, topK int) ([]corpus.Hit, error) {
				return r.personal.SimilaritySearch(ctx, req.Embedding, topK, req.Filter)
			},
		})
	}
	if r.memories != nil && req.ChannelID != "" && req.Filter.Empty() {
		sources = append(sources, source{
			name:      "memories",
			namespace: corpus.NamespaceMemory,
			search: func(ctx context.Context, topK int) ([]corpus.Hit, error) {
				return r.memories.SimilaritySearch(ctx, req.ChannelID, req.Embedding, topK)
			},
		})
	}
	if r.keyword != nil && req.Filter.Empty() {
		// Recall source: surfaces lexical matches the embedding search
		// missed. Hits already present from a document source dedup away.
		sources = append(sources, source{
			name:      "keyword",
			namespace: "",
			search: func(ctx context.Context, topK int) ([]corpus.Hit, error) {
				return r.keywordRecall(ctx, req, topK)
			},
		})
	}
	return sources
}

// keywordRecall resolves keyword index hits back to stored passages. The
// index holds bare passage ids, so each hit is looked up in the shared
// corpus first, then the personal one, and namespaced accordingly. The hit
// score is the cosine similarity of the resolved passage, keeping the Hit
// contract uniform across sources. Unresolvable ids are dropped.
func (r *MultiStageRetriever) keywordRecall(ctx context.Context, req SearchRequest, topK int) ([]corpus.Hit, error) {
	khits, err := r.keyword.Search(ctx, req.Query, topK)
	if err != nil {
		return nil, err
	}

	type document struct {
		passages  map[string]*corpus.Passage
		namespace string
	}
	cache := make(map[string]*document)

	var hits []corpus.Hit
	for _, kh := range khits {
		sep := strings.LastIndexByte(kh.ID, '#')
		if sep <= 0 {
			continue
		}
		docID := kh.ID[:sep]

		doc, ok := cache[docID]
		if !ok {
			doc = &document{passages: make(map[string]*corpus.Passage)}
			passages, namespace, err := r.lookupDocument(ctx, docID)
			if err != nil {
				r.logger.Warn("keyword hit unresolved",
					slog.String("document", docID),
					slog.String("error", err.Error()))
			}
			doc.namespace = namespace
			for _, p := range passages {
				doc.passages[p.ID] = p
			}
			cache[docID] = doc
		}

		p, ok := doc.passages[kh.ID]
		if !ok {
			continue
		}
		copied := *p
		copied.ID = p.Namespaced(doc.namespace)
		hits = append(hits, corpus.Hit{
			Passage: &copied,
			Score:   clamp01(rank.CosineSimilarity(req.Embedding, copied.Embedding)),
		})
	}
	return hits, nil
}

// lookupDocument finds a document's passages in the shared corpus first,
// then the personal one, returning the matching namespace prefix.
func (r *MultiStageRetriever) lookupDocument(ctx context.Context, docID string) ([]*corpus.Passage, string, error) {
	if r.shared != nil {
		passages, err := r.shared.PassagesForDocument(ctx, docID)
		if err != nil {
			return nil, "", err
		}
		if len(passages) > 0 {
			return passages, corpus.NamespaceShared, nil
		}
	}
	if r.personal != nil {
		passages, err := r.personal.PassagesForDocument(ctx, docID)
		if err != nil {
			return nil, "", err
		}
		if len(passages) > 0 {
			return passages, corpus.NamespacePersonal, nil
		}
	}
	return nil, "", nil
}

// rerank is stage 2: four-signal scoring. The semantic signal is the raw
// cosine similarity (already in [0,1] by the store contract), the keyword
// signal is BM25 min-max normalized over the candidate set. A fresh BM25
// scorer per call keeps corpus statistics request-scoped.
func (r *MultiStageRetriever) rerank(query string, candidates []corpus.Hit, referencedDocs []string) []*rank.ScoredPassage {
	texts := make([]string, len(candidates))
	semantic := make([]float64, len(candidates))
	for i, h := range candidates {
		texts[i] = h.Passage.Text
		semantic[i] = clamp01(h.Score)
	}

	scorer := rank.NewBM25Scorer()
	keyword := rank.Normalize(scorer.Score(query, texts))

	scored := make([]*rank.ScoredPassage, len(candidates))
	for i, h := range candidates {
		positionBonus := positionBonus(h.Passage.Position)
		docRelevance := neutralDocRelevance
		if documentReferenced(h.Passage, referencedDocs) {
			docRelevance = referencedDocRelevance
		}

		scored[i] = &rank.ScoredPassage{
			Passage:           h.Passage,
			SemanticScore:     semantic[i],
			KeywordScore:      keyword[i],
			PositionBonus:     positionBonus,
			DocumentRelevance: docRelevance,
			CombinedScore: rerankSemanticWeight*semantic[i] +
				rerankKeywordWeight*keyword[i] +
				rerankPositionWeight*positionBonus +
				rerankDocumentWeight*docRelevance,
			SourceRank: i + 1,
			ListHits:   1,
		}
	}

	// Stable sort keeps arrival order on ties for reproducible results
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].CombinedScore > scored[j].CombinedScore
	})
	return scored
}

// clamp01 guards the ranker against misbehaving stores. NaN and negative
// similarities become 0 per the store boundary contract.
func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0: // NaN or negative
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// positionBonus favors passages early in their source document, fading to
// zero at position 100.
func positionBonus(position int) float64 {
	bonus := 1.0 - float64(position)/100.0
	if bonus < 0 {
		bonus = 0
	}
	return bonus * positionBonusScale
}

// documentReferenced reports whether the passage's source document is
// named by the query.
func documentReferenced(p *corpus.Passage, refs []string) bool {
	if len(refs) == 0 {
		return false
	}
	docName := strings.ToLower(p.DocumentName)
	for _, ref := range refs {
		lowered := strings.ToLower(ref)
		if strings.EqualFold(ref, p.DocumentID) {
			return true
		}
		if docName != "" && (docName == lowered || strings.Contains(docName, lowered)) {
			return true
		}
	}
	return false
}

// dropLowRelevance removes candidates scoring below the floor. The ranked
// tail with neither semantic nor keyword signal only carries the baseline
// position and document terms and would pollute small result sets.
func dropLowRelevance(candidates []*rank.ScoredPassage, floor float64) []*rank.ScoredPassage {
	if floor <= 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if c.CombinedScore >= floor {
			kept = append(kept, c)
		}
	}
	return kept
}

// diversityFilter is stage 3: walk the ranked list accepting candidates
// whose source document has contributed fewer than max(1, topK/divisor)
// passages, waiving the cap while the result set is smaller than
// topK/minDivisor. When the capped walk cannot fill topK, remaining
// candidates are backfilled in rank order: the cap prevents single-document
// dominance under normal conditions and degrades gracefully when the corpus
// is small or concentrated.
func diversityFilter(candidates []*rank.ScoredPassage, topK, divisor, minDivisor int) []*rank.ScoredPassage {
	perDocCap := topK / divisor
	if perDocCap < 1 {
		perDocCap = 1
	}
	minResults := topK / minDivisor

	perDoc := make(map[string]int)
	taken := make(map[*rank.ScoredPassage]bool)
	selected := make([]*rank.ScoredPassage, 0, topK)
	for _, c := range candidates {
		if len(selected) >= topK {
			break
		}
		doc := c.Passage.DocumentID
		if perDoc[doc] < perDocCap || len(selected) < minResults {
			selected = append(selected, c)
			perDoc[doc]++
			taken[c] = true
		}
	}

	// Backfill keeps rank order among the candidates the cap rejected
	for _, c := range candidates {
		if len(selected) >= topK {
			break
		}
		if !taken[c] {
			selected = append(selected, c)
			taken[c] = true
		}
	}
	return selected
}
