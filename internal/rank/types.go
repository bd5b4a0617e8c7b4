// Package rank implements the scoring primitives of the retrieval pipeline:
// min-max score normalization, request-scoped Okapi BM25, hybrid
// semantic+keyword ranking, Reciprocal Rank Fusion (RRF), and Maximal
// Marginal Relevance (MMR) diversification.
package rank

import (
	"github.com/lorehaven/archivist/internal/corpus"
)

// ScoredPassage is a corpus passage annotated with the ranking signals
// computed for a single retrieval request. Scores are request-scoped and
// never persisted back to the corpus.
type ScoredPassage struct {
	// Passage is the underlying corpus passage.
	Passage *corpus.Passage

	// SemanticScore is the cosine-similarity signal in [0,1].
	SemanticScore float64

	// KeywordScore is the normalized BM25 score (0-1).
	KeywordScore float64

	// PositionBonus favors passages early in their source document.
	PositionBonus float64

	// DocumentRelevance is the document-level signal: 0.7 when the source
	// document was explicitly referenced by the query, 0.5 otherwise.
	DocumentRelevance float64

	// CombinedScore is the weighted combination used for final ordering.
	CombinedScore float64

	// SourceRank is the 1-indexed position the passage held in the list it
	// was retrieved from, before re-ranking. Used for deterministic
	// tie-breaking.
	SourceRank int

	// ListHits is the number of variant result lists this passage appeared
	// in after RRF fusion (1 for single-list retrieval).
	ListHits int
}

// Weights configures the relative importance of semantic vs keyword scores
// in hybrid ranking.
type Weights struct {
	// Semantic is the weight for vector similarity (default: 0.7).
	Semantic float64

	// Keyword is the weight for BM25 keyword matching (default: 0.3).
	Keyword float64
}

// DefaultWeights returns the default hybrid ranking weights.
func DefaultWeights() Weights {
	return Weights{
		Semantic: 0.7,
		Keyword:  0.3,
	}
}

// Normalized returns the weights scaled so they sum to 1.0.
// Non-positive weight pairs fall back to the defaults.
func (w Weights) Normalized() Weights {
	sum := w.Semantic + w.Keyword
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Semantic: w.Semantic / sum,
		Keyword:  w.Keyword / sum,
	}
}

// RankedEntry is one (passage, rank) pair of a RankedList.
type RankedEntry struct {
	// Passage carries the payload forward through fusion.
	Passage *ScoredPassage

	// Rank is the 1-indexed position in the originating list.
	Rank int
}

// RankedList is the ordered result of one retrieval call for one query
// variant, consumed by RRF fusion.
type RankedList []RankedEntry

// NewRankedList converts an ordered slice of scored passages into a
// RankedList with 1-indexed ranks.
func NewRankedList(passages []*ScoredPassage) RankedList {
	list := make(RankedList, len(passages))
	for i, p := range passages {
		list[i] = RankedEntry{Passage: p, Rank: i + 1}
	}
	return list
}
