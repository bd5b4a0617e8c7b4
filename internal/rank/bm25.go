package rank

import (
	"math"
	"strings"
	"unicode"
)

// Okapi BM25 parameters. These are the standard free-parameter values; they
// are deliberately not configurable because the scorer is request-scoped and
// its output is normalized before fusion.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25Scorer computes Okapi BM25 relevance between a query and a small,
// request-scoped corpus of candidate passages. It is not a persistent
// inverted index: Fit recomputes document frequencies and average document
// length from scratch for the supplied corpus, and Score refits
// automatically whenever the candidate set size changes.
//
// A scorer instance is not safe for concurrent use; each retrieval request
// must hold its own.
type BM25Scorer struct {
	docTokens [][]string
	docFreq   map[string]int
	avgDocLen float64
	corpusLen int
	fitted    bool
}

// NewBM25Scorer returns an unfitted scorer.
func NewBM25Scorer() *BM25Scorer {
	return &BM25Scorer{docFreq: map[string]int{}}
}

// Fit precomputes per-corpus statistics (document frequency, average
// document length) restricted to the supplied corpus.
func (s *BM25Scorer) Fit(corpus []string) {
	s.docTokens = make([][]string, len(corpus))
	s.docFreq = make(map[string]int, len(corpus)*8)
	s.corpusLen = len(corpus)

	var totalLen int
	for i, doc := range corpus {
		tokens := bm25Tokenize(doc)
		s.docTokens[i] = tokens
		totalLen += len(tokens)

		seen := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			s.docFreq[t]++
		}
	}

	s.avgDocLen = 0
	if len(corpus) > 0 {
		s.avgDocLen = float64(totalLen) / float64(len(corpus))
	}
	s.fitted = true
}

// Score returns one BM25 score per corpus document. An empty corpus yields
// an all-zero (empty) result, never an error. Query terms unseen during Fit
// contribute nothing.
func (s *BM25Scorer) Score(query string, corpus []string) []float64 {
	scores := make([]float64, len(corpus))
	if len(corpus) == 0 {
		return scores
	}

	// Refit when the candidate set changed size. Candidate sets are rebuilt
	// per request, so size is a sufficient change signal here.
	if !s.fitted || s.corpusLen != len(corpus) {
		s.Fit(corpus)
	}

	queryTerms := bm25Tokenize(query)
	if len(queryTerms) == 0 {
		return scores
	}

	n := float64(s.corpusLen)
	for i, tokens := range s.docTokens {
		if len(tokens) == 0 {
			continue
		}

		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}

		docLen := float64(len(tokens))
		lenNorm := bm25K1 * (1 - bm25B + bm25B*docLen/s.avgDocLen)

		var score float64
		for _, term := range queryTerms {
			freq, ok := tf[term]
			if !ok {
				continue
			}
			df := float64(s.docFreq[term])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
			f := float64(freq)
			score += idf * f * (bm25K1 + 1) / (f + lenNorm)
		}
		scores[i] = score
	}

	return scores
}

// Stats returns the fitted corpus size and average document length.
func (s *BM25Scorer) Stats() (corpusLen int, avgDocLen float64) {
	return s.corpusLen, s.avgDocLen
}

// bm25Tokenize lowercases, strips non-word runes, and splits on whitespace.
func bm25Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
