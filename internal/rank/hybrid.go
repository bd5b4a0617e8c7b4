package rank

import (
	"sort"

	"github.com/lorehaven/archivist/internal/corpus"
)

// HybridRanker linearly combines normalized semantic and keyword scores.
type HybridRanker struct {
	scorer *BM25Scorer
}

// NewHybridRanker creates a ranker with its own request-scoped BM25 scorer.
func NewHybridRanker() *HybridRanker {
	return &HybridRanker{scorer: NewBM25Scorer()}
}

// Rank scores candidates against the query and returns up to topK scored
// passages in descending combined-score order. Semantic scores and BM25
// scores are min-max normalized independently before combination, so the
// combined score is a convex combination in [0,1].
//
// Ties keep the original candidate order (stable sort). Empty candidates
// yield an empty result, not an error.
func (h *HybridRanker) Rank(query string, candidates []*corpus.Passage, semanticScores []float64, weights Weights, topK int) []*ScoredPassage {
	if len(candidates) == 0 {
		return []*ScoredPassage{}
	}

	weights = weights.Normalized()

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	normSemantic := Normalize(semanticScores)
	normKeyword := Normalize(h.scorer.Score(query, texts))

	scored := make([]*ScoredPassage, len(candidates))
	for i, c := range candidates {
		var sem float64
		if i < len(normSemantic) {
			sem = normSemantic[i]
		}
		kw := normKeyword[i]

		scored[i] = &ScoredPassage{
			Passage:       c,
			SemanticScore: sem,
			KeywordScore:  kw,
			CombinedScore: weights.Semantic*sem + weights.Keyword*kw,
			SourceRank:    i + 1,
			ListHits:      1,
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].CombinedScore > scored[j].CombinedScore
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
