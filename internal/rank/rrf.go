package rank

import "sort"

// Reciprocal rank fusion of the keyword ranking with an optional vector
// ranking. The vector list contributes with reduced weight since
// embedding quality varies across peers.
const (
	rrfK            = 60.0
	VectorRRFWeight = 0.3
)

// FuseRRF merges a keyword-ranked list with a vector-ranked doc ID list.
// When vector is empty the keyword order is returned unchanged.
func FuseRRF(keyword []Ranked, vector []uint64) []Ranked {
	if len(vector) == 0 {
		return keyword
	}
	fused := make(map[uint64]float64, len(keyword))
	byID := make(map[uint64]Ranked, len(keyword))
	for i, r := range keyword {
		fused[r.DocID] += 1.0 / (rrfK + float64(i+1))
		byID[r.DocID] = r
	}
	for i, id := range vector {
		if _, known := byID[id]; !known {
			continue // vector-only hits lack metadata to present
		}
		fused[id] += VectorRRFWeight / (rrfK + float64(i+1))
	}

	out := make([]Ranked, 0, len(byID))
	for id, r := range byID {
		r.Score = fused[id]
		out = append(out, r)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].DocID < out[b].DocID
	})
	return out
}
