package rank

// Normalize rescales raw scores into [0,1] via min-max scaling.
// The input slice is never mutated.
//
// Edge cases: an empty input yields an empty (non-nil) output; when every
// value is equal the range is treated as degenerate and every output is 0.
func Normalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	spread := maxScore - minScore
	if spread == 0 {
		return out
	}

	for i, s := range scores {
		out[i] = (s - minScore) / spread
	}
	return out
}
