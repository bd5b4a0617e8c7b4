package rank

import (
	"math"
)

// DefaultMMRLambda is the default relevance/diversity trade-off.
const DefaultMMRLambda = 0.5

// MMRDiversify greedily selects a diverse topK subset of candidates using
// Maximal Marginal Relevance:
//
//	argmax  lambda*relevance(c) - (1-lambda)*max_{s in selected} sim(c, s)
//
// where relevance is the candidate's existing combined score and sim is
// cosine similarity between passage embeddings. lambda=1 degenerates to
// pure relevance order; lambda=0 ignores relevance after the first pick.
// Ties are broken by original candidate order, so the selection is
// idempotent on a fixed candidate set.
func MMRDiversify(candidates []*ScoredPassage, queryEmbedding []float32, lambda float64, topK int) []*ScoredPassage {
	if topK <= 0 || len(candidates) == 0 {
		return []*ScoredPassage{}
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}
	if lambda < 0 {
		lambda = 0
	} else if lambda > 1 {
		lambda = 1
	}

	selected := make([]*ScoredPassage, 0, topK)
	remaining := make([]*ScoredPassage, len(candidates))
	copy(remaining, candidates)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)

		for i, cand := range remaining {
			relevance := cand.CombinedScore
			if len(selected) == 0 {
				// No diversity pressure on the first pick.
				if lambda*relevance > bestScore {
					bestScore = lambda * relevance
					bestIdx = i
				}
				continue
			}

			maxSim := 0.0
			for _, sel := range selected {
				sim := CosineSimilarity(cand.Passage.Embedding, sel.Passage.Embedding)
				if sim > maxSim {
					maxSim = sim
				}
			}

			score := lambda*relevance - (1-lambda)*maxSim
			// Strict > keeps the earliest candidate on ties.
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// CosineSimilarity returns the cosine similarity of two vectors, clamped to
// [0,1]. Mismatched or empty vectors score 0; a NaN result is clamped to 0
// so malformed values never propagate into ranking.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
