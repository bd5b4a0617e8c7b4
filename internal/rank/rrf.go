package rank

import (
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search,
// OpenSearch, and others).
const DefaultRRFConstant = 60

// RRFFusion merges ranked lists retrieved for independent query variants
// using Reciprocal Rank Fusion.
//
// Raw scores are not comparable across independently retrieved lists, but
// ranks are; RRF therefore rewards passages that rank consistently well
// across variants more than a passage that ranks first in exactly one.
type RRFFusion struct {
	// K is the RRF smoothing constant.
	K int
}

// NewRRFFusion creates a fusion instance with k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates a fusion instance with a custom k.
// Non-positive k falls back to the default.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines the ranked lists into a single descending-score list.
//
// For each passage id appearing in any list,
//
//	fused(id) = Σ over lists containing id of 1/(K + rank_in_list)
//
// The payload kept for an id is whichever occurrence had the higher
// original combined score; the first occurrence wins on a tie. Passages
// absent from every list are absent from the output (no zero-padding).
//
// Fusing a single list degenerates to the monotonic transform 1/(K+rank),
// which preserves the input order.
func (f *RRFFusion) Fuse(lists []RankedList) []*ScoredPassage {
	if len(lists) == 0 {
		return []*ScoredPassage{}
	}

	type fused struct {
		passage *ScoredPassage
		score   float64
		hits    int
		first   int // arrival order, for deterministic ties
	}

	byID := make(map[string]*fused)
	arrival := 0

	for _, list := range lists {
		for _, entry := range list {
			if entry.Passage == nil || entry.Passage.Passage == nil {
				continue
			}
			id := entry.Passage.Passage.ID
			contribution := 1.0 / float64(f.K+entry.Rank)

			cur, ok := byID[id]
			if !ok {
				byID[id] = &fused{
					passage: entry.Passage,
					score:   contribution,
					hits:    1,
					first:   arrival,
				}
				arrival++
				continue
			}

			cur.score += contribution
			cur.hits++
			// Keep the payload from the best-scoring occurrence.
			if entry.Passage.CombinedScore > cur.passage.CombinedScore {
				cur.passage = entry.Passage
			}
		}
	}

	merged := make([]*fused, 0, len(byID))
	for _, v := range byID {
		merged = append(merged, v)
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.hits != b.hits {
			return a.hits > b.hits
		}
		return a.first < b.first
	})

	out := make([]*ScoredPassage, len(merged))
	for i, m := range merged {
		p := *m.passage
		p.CombinedScore = m.score
		p.ListHits = m.hits
		p.SourceRank = i + 1
		out[i] = &p
	}
	return out
}
