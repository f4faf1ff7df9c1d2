package engine

import (
	"cmp"
	"slices"

	"github.com/casetrace/backend/pkg/common"
)

// Ranking is one ordered candidate list entering fusion. Rank is the
// 1-based position in IDs.
type Ranking struct {
	Name   string
	Weight float64
	IDs    []common.RecordID
}

// Fused is a record with its reciprocal rank fusion score and the rank it
// had in each contributing list (0 when absent).
type Fused struct {
	ID         common.RecordID
	Score      float64
	Confidence float64
	Ranks      map[string]int
}

// Fuse combines rankings with weighted reciprocal rank fusion:
// score = Σ w_i / (k + rank_i). Confidence divides the score by the best
// achievable one, Σ active w_i / (k + 1), so it is 1 only for a record
// ranked first by every active list. Ties break on record ID.
func Fuse(k float64, rankings ...Ranking) []Fused {
	if k <= 0 {
		k = 60
	}
	byID := make(map[common.RecordID]*Fused)
	var maxScore float64
	for _, r := range rankings {
		if r.Weight <= 0 || len(r.IDs) == 0 {
			continue
		}
		maxScore += r.Weight / (k + 1)
		for i, id := range r.IDs {
			f, ok := byID[id]
			if !ok {
				f = &Fused{ID: id, Ranks: make(map[string]int)}
				byID[id] = f
			}
			if _, seen := f.Ranks[r.Name]; seen {
				continue
			}
			f.Ranks[r.Name] = i + 1
			f.Score += r.Weight / (k + float64(i+1))
		}
	}

	out := make([]Fused, 0, len(byID))
	for _, f := range byID {
		if maxScore > 0 {
			f.Confidence = min(f.Score/maxScore, 1)
		}
		out = append(out, *f)
	}
	slices.SortFunc(out, func(a, b Fused) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.ID, b.ID))
	})
	return out
}
