package anomaly

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/graph"
)

var t0 = time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

type fakeEntities struct {
	types map[common.EntityID]common.EntityType
	occs  map[common.EntityID][]common.Occurrence
}

func (f *fakeEntities) Get(id common.EntityID) (common.Entity, bool) {
	t, ok := f.types[id]
	return common.Entity{ID: id, Type: t}, ok
}

func (f *fakeEntities) Occurrences(id common.EntityID) []common.Occurrence {
	return f.occs[id]
}

func (f *fakeEntities) add(id common.EntityID, ts time.Time) {
	n := len(f.occs[id])
	f.occs[id] = append(f.occs[id], common.Occurrence{
		ID:        common.OccurrenceID(n + 1),
		EntityID:  id,
		RecordID:  common.RecordID(fmt.Sprintf("rec_%d_%d", id, n)),
		Timestamp: ts,
	})
}

func newFake() *fakeEntities {
	return &fakeEntities{
		types: map[common.EntityID]common.EntityType{},
		occs:  map[common.EntityID][]common.Occurrence{},
	}
}

func TestBurstScore(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		baseline []int
		wantZ    float64
	}{
		{"flat baseline floors at sqrt mean", 50, []int{2, 2, 2, 2}, 48 / math.Sqrt(2)},
		{"empty baseline floors at min std", 3, nil, 3},
		{"variable baseline", 10, []int{0, 4}, 8 / 2.0},
		{"below baseline", 0, []int{4, 4}, -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := BurstScore(tt.count, tt.baseline, 1)
			if math.Abs(b.Z-tt.wantZ) > 1e-9 {
				t.Fatalf("expected z %f, got %f", tt.wantZ, b.Z)
			}
		})
	}
}

func TestBurstScenario(t *testing.T) {
	cfg := config.Default().Anomaly
	f := newFake()
	const device common.EntityID = 1
	f.types[device] = common.EntityDeviceID

	for w := range cfg.BaselineWindows {
		start := t0.Add(time.Duration(w) * time.Minute)
		f.add(device, start.Add(10*time.Second))
		f.add(device, start.Add(40*time.Second))
	}
	burstStart := t0.Add(time.Duration(cfg.BaselineWindows) * time.Minute)
	for i := range 50 {
		f.add(device, burstStart.Add(time.Duration(i)*time.Second))
	}

	s := NewScorer(NewScorerParams{Config: cfg, Entities: f})
	score := s.Score(device, burstStart.Add(time.Minute))

	if !score.Flagged || score.Score <= score.Threshold {
		t.Fatalf("expected the burst to be flagged, got score %f threshold %f", score.Score, score.Threshold)
	}
	if score.Dominant != TermBurst {
		t.Fatalf("expected burst to dominate, got %q", score.Dominant)
	}
	if len(score.Terms) != 6 {
		t.Fatalf("expected all 6 terms, got %+v", score.Terms)
	}
	if score.Terms[0].Value != cfg.BurstCap {
		t.Fatalf("expected burst capped at %f, got %f", cfg.BurstCap, score.Terms[0].Value)
	}

	quiet := s.Score(device, burstStart)
	if quiet.Flagged {
		t.Fatalf("expected the baseline window not to be flagged, got %+v", quiet)
	}
}

func TestOddHourRatio(t *testing.T) {
	cfg := config.Default().Anomaly
	cfg.Window = time.Hour
	f := newFake()
	f.types[1] = common.EntityPhone
	night := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	f.add(1, night.Add(5*time.Minute))
	f.add(1, night.Add(20*time.Minute))
	f.add(1, night.Add(59*time.Minute))
	f.add(1, night.Add(61*time.Minute))

	s := NewScorer(NewScorerParams{Config: cfg, Entities: f})
	score := s.Score(1, night.Add(time.Hour))
	if got := score.Terms[3]; got.Name != TermOddHour || got.Value != 1 {
		t.Fatalf("expected odd hour ratio 1, got %+v", got)
	}

	f.add(1, t0.Add(time.Minute))
	if got := s.Score(1, t0.Add(time.Hour)).Terms[3].Value; got != 0 {
		t.Fatalf("expected no odd hour activity at 10:01 UTC, got %f", got)
	}

	// 10:01 UTC is 03:01 in Los Angeles.
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	s = NewScorer(NewScorerParams{Config: cfg, Entities: f, Location: la})
	if got := s.Score(1, t0.Add(time.Hour)).Terms[3].Value; got != 1 {
		t.Fatalf("expected odd hour activity in local time, got %f", got)
	}
}

func TestGraphTerms(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Anomaly
	cfg.Window = time.Hour
	cfg.BaselineWindows = 2

	f := newFake()
	f.types[1] = common.EntityPhone
	f.types[2] = common.EntityIP
	f.types[3] = common.EntityCryptoAddress
	f.types[4] = common.EntityDeviceID
	f.types[5] = common.EntityPhone

	g := graph.NewGraph(graph.NewGraphParams{})
	end := t0.Add(3 * time.Hour)
	g.Upsert(ctx, 1, 2, common.RelationCoCommunicated, []common.OccurrenceID{1}, t0.Add(30*time.Minute))
	g.Upsert(ctx, 1, 3, common.RelationCoCommunicated, []common.OccurrenceID{2}, end.Add(-30*time.Minute))
	g.Upsert(ctx, 1, 4, common.RelationCoLocated, []common.OccurrenceID{3}, end.Add(-20*time.Minute))
	g.Upsert(ctx, 1, 5, common.RelationCoCommunicated, []common.OccurrenceID{4}, end.Add(-10*time.Minute))

	s := NewScorer(NewScorerParams{Config: cfg, Entities: f, Links: g})
	score := s.Score(1, end)

	want := map[string]float64{
		TermBurst:        0,
		TermHighRiskType: 2,
		TermDegreeGrowth: 2,
		TermOddHour:      0,
		TermNewContacts:  3,
		TermContactDrops: 0,
	}
	for _, term := range score.Terms {
		if term.Value != want[term.Name] {
			t.Fatalf("expected %s = %f, got %f", term.Name, want[term.Name], term.Value)
		}
		if term.Contribution != term.Value*term.Weight {
			t.Fatalf("expected contribution value*weight for %s, got %f", term.Name, term.Contribution)
		}
	}
	if score.Dominant != TermHighRiskType {
		t.Fatalf("expected %s to dominate, got %q", TermHighRiskType, score.Dominant)
	}
}

func TestContactDrops(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Anomaly
	cfg.Window = time.Hour
	cfg.BaselineWindows = 2

	f := newFake()
	for id := range common.EntityID(5) {
		f.types[id+1] = common.EntityPhone
	}
	g := graph.NewGraph(graph.NewGraphParams{})
	end := t0.Add(3 * time.Hour)
	prev := end.Add(-90 * time.Minute)
	support := func(first common.OccurrenceID, n int) []common.OccurrenceID {
		out := make([]common.OccurrenceID, n)
		for i := range out {
			out[i] = first + common.OccurrenceID(i)
		}
		return out
	}
	// 2 was busy last hour and went silent
	g.Upsert(ctx, 1, 2, common.RelationCoCommunicated, support(1, 4), prev)
	// 3 was busy last hour and is still talking
	g.Upsert(ctx, 1, 3, common.RelationCoCommunicated, support(10, 4), prev)
	g.Upsert(ctx, 1, 3, common.RelationCoCommunicated, support(14, 1), end.Add(-10*time.Minute))
	// 4 went silent but was never a regular contact
	g.Upsert(ctx, 1, 4, common.RelationCoCommunicated, support(20, 2), prev)

	s := NewScorer(NewScorerParams{Config: cfg, Entities: f, Links: g})
	score := s.Score(1, end)
	for _, term := range score.Terms {
		if term.Name == TermContactDrops {
			if term.Value != 1 {
				t.Fatalf("expected 1 dropped contact, got %f", term.Value)
			}
			return
		}
	}
	t.Fatalf("expected a %s term, got %+v", TermContactDrops, score.Terms)
}

func TestScopedScorerReadsOtherSources(t *testing.T) {
	all := newFake()
	for i := range 20 {
		all.add(1, t0.Add(time.Duration(i)*time.Second))
	}
	visible := newFake()
	visible.add(1, t0)

	s := NewScorer(NewScorerParams{Config: config.Default().Anomaly, Entities: all})
	full := s.Score(1, t0.Add(time.Minute))
	scoped := s.Scoped(visible, nil).Score(1, t0.Add(time.Minute))
	if scoped.Terms[0].Value >= full.Terms[0].Value {
		t.Fatalf("expected the scoped burst below %f, got %f", full.Terms[0].Value, scoped.Terms[0].Value)
	}
	if got := s.Score(1, t0.Add(time.Minute)); got.Score != full.Score {
		t.Fatalf("expected the original scorer unchanged, got %f and %f", got.Score, full.Score)
	}
}

func TestSpikes(t *testing.T) {
	f := newFake()
	for i := range 60 {
		f.add(1, t0.Add(time.Duration(i)*time.Second))
	}
	for i := range 10 {
		f.add(1, t0.Add(2*time.Hour+time.Duration(i)*time.Second))
	}

	s := NewScorer(NewScorerParams{Config: config.Default().Anomaly, Entities: f})
	spikes := s.Spikes(1, time.Hour, 0)
	if len(spikes) != 1 {
		t.Fatalf("expected 1 spike, got %+v", spikes)
	}
	if !spikes[0].Start.Equal(t0) || spikes[0].Count != 60 {
		t.Fatalf("expected 60 records at %v, got %+v", t0, spikes[0])
	}
	if got := s.Spikes(1, time.Hour, 5); len(got) != 2 {
		t.Fatalf("expected 2 spikes with a lower threshold, got %+v", got)
	}
}

func TestScoreAllOrdersByScore(t *testing.T) {
	f := newFake()
	for i := range 20 {
		f.add(2, t0.Add(time.Duration(i)*time.Second))
	}
	f.add(1, t0)
	s := NewScorer(NewScorerParams{Config: config.Default().Anomaly, Entities: f})
	out := s.ScoreAll([]common.EntityID{1, 2, 3}, t0.Add(time.Minute))
	if out[0].EntityID != 2 {
		t.Fatalf("expected entity 2 first, got %+v", out)
	}
	if out[1].EntityID != 1 || out[2].EntityID != 3 {
		t.Fatalf("expected entities 1 then 3, got %d %d", out[1].EntityID, out[2].EntityID)
	}
}
