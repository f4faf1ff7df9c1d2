package engine

import (
	"math"
	"testing"

	"github.com/casetrace/backend/pkg/common"
)

func TestFuseConfidence(t *testing.T) {
	fused := Fuse(60,
		Ranking{Name: RankingLexical, Weight: 1, IDs: []common.RecordID{"rec_a", "rec_b"}},
		Ranking{Name: RankingSemantic, Weight: 1, IDs: []common.RecordID{"rec_a", "rec_c"}},
		Ranking{Name: RankingEntity, Weight: 1, IDs: nil},
	)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused records, got %d", len(fused))
	}
	if fused[0].ID != "rec_a" || fused[0].Confidence != 1 {
		t.Fatalf("expected rec_a with confidence 1, got %s %f", fused[0].ID, fused[0].Confidence)
	}
	if fused[0].Ranks[RankingLexical] != 1 || fused[0].Ranks[RankingSemantic] != 1 {
		t.Fatalf("expected rank 1 in both lists, got %v", fused[0].Ranks)
	}

	// rec_b and rec_c score the same, so the id decides.
	if fused[1].ID != "rec_b" || fused[2].ID != "rec_c" {
		t.Fatalf("expected rec_b before rec_c, got %s and %s", fused[1].ID, fused[2].ID)
	}
	want := (1.0 / 62) / (2.0 / 61)
	if math.Abs(fused[1].Confidence-want) > 1e-12 {
		t.Fatalf("expected confidence %f, got %f", want, fused[1].Confidence)
	}
}

func TestFuseWeights(t *testing.T) {
	tests := []struct {
		name     string
		rankings []Ranking
		first    common.RecordID
	}{
		{
			name: "heavier list wins",
			rankings: []Ranking{
				{Name: RankingLexical, Weight: 1, IDs: []common.RecordID{"rec_a", "rec_b"}},
				{Name: RankingEntity, Weight: 3, IDs: []common.RecordID{"rec_b", "rec_a"}},
			},
			first: "rec_b",
		},
		{
			name: "zero weight is ignored",
			rankings: []Ranking{
				{Name: RankingLexical, Weight: 1, IDs: []common.RecordID{"rec_a"}},
				{Name: RankingSemantic, Weight: 0, IDs: []common.RecordID{"rec_z"}},
			},
			first: "rec_a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fused := Fuse(60, tt.rankings...)
			if fused[0].ID != tt.first {
				t.Fatalf("expected %s first, got %s", tt.first, fused[0].ID)
			}
			for _, f := range fused {
				if f.ID == "rec_z" {
					t.Fatalf("expected records of zero-weight lists to be dropped")
				}
			}
		})
	}
}

func TestFuseEmpty(t *testing.T) {
	if got := Fuse(60); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
}
