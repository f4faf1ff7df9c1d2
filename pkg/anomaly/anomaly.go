// Package anomaly scores entities for unusual activity.
//
// A score is the weighted sum of a small set of named terms computed over a
// sliding window that ends at the scoring time. Every score carries all of
// its terms so an analyst can see why an entity was flagged.
package anomaly

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/graph"
)

const (
	TermBurst        = "burst"
	TermHighRiskType = "high_risk_types"
	TermDegreeGrowth = "degree_growth"
	TermOddHour      = "odd_hour_ratio"
	TermNewContacts  = "new_contacts"
	TermContactDrops = "contact_drops"
)

// Entities is the read side of the entity registry the scorer needs.
type Entities interface {
	Get(id common.EntityID) (common.Entity, bool)
	Occurrences(id common.EntityID) []common.Occurrence
}

// Links is the read side of the relationship graph the scorer needs. Both
// *graph.Graph and a filtered *graph.View satisfy it.
type Links interface {
	NeighborsDuring(id common.EntityID, from, to time.Time) []graph.Neighbor
	NewContacts(id common.EntityID, from, to time.Time) []common.Edge
}

type Scorer struct {
	cfg      config.AnomalyConfig
	entities Entities
	links    Links
	loc      *time.Location
}

type NewScorerParams struct {
	Config   config.AnomalyConfig
	Entities Entities
	Links    Links
	// Location is used for odd-hour classification. Defaults to UTC.
	Location *time.Location
}

func NewScorer(params NewScorerParams) *Scorer {
	loc := params.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scorer{
		cfg:      params.Config,
		entities: params.Entities,
		links:    params.Links,
		loc:      loc,
	}
}

// Scoped returns a scorer with the same configuration reading from other
// sources, typically registry and graph views restricted to what one caller
// may see.
func (s *Scorer) Scoped(entities Entities, links Links) *Scorer {
	out := *s
	out.entities = entities
	out.links = links
	return &out
}

// Burst is the z-score of the current window count against the previous
// baseline windows.
type Burst struct {
	Count    int
	Mean     float64
	Std      float64
	Z        float64
	Baseline []int
}

// BurstScore computes a z-score for count against baseline. The standard
// deviation is floored at sqrt(mean), treating counts as Poisson, and at
// minStd so a perfectly flat baseline does not divide by zero.
func BurstScore(count int, baseline []int, minStd float64) Burst {
	b := Burst{Count: count, Baseline: baseline}
	if len(baseline) > 0 {
		var sum float64
		for _, c := range baseline {
			sum += float64(c)
		}
		b.Mean = sum / float64(len(baseline))
		var sq float64
		for _, c := range baseline {
			d := float64(c) - b.Mean
			sq += d * d
		}
		b.Std = math.Sqrt(sq / float64(len(baseline)))
	}
	b.Std = max(b.Std, math.Sqrt(b.Mean), minStd)
	if b.Std > 0 {
		b.Z = (float64(count) - b.Mean) / b.Std
	}
	return b
}

// windowCounts buckets the distinct records of occs into n+1 windows ending
// at end: index 0 is the current window [end-w, end), index i the window i
// steps earlier. It also returns the timestamps of the current window.
func windowCounts(occs []common.Occurrence, end time.Time, w time.Duration, n int) ([]int, []time.Time) {
	counts := make([]int, n+1)
	var current []time.Time
	seen := make(map[common.RecordID]bool)
	for _, o := range occs {
		if !o.Timestamp.Before(end) || seen[o.RecordID] {
			continue
		}
		k := int(end.Sub(o.Timestamp) / w)
		if end.Sub(o.Timestamp)%w == 0 {
			k--
		}
		if k < 0 || k > n {
			continue
		}
		seen[o.RecordID] = true
		counts[k]++
		if k == 0 {
			current = append(current, o.Timestamp)
		}
	}
	return counts, current
}

// Score computes the risk of id for the window ending at end.
func (s *Scorer) Score(id common.EntityID, end time.Time) common.RiskScore {
	w := s.cfg.Window
	start := end.Add(-w)
	baselineStart := start.Add(-time.Duration(s.cfg.BaselineWindows) * w)

	counts, current := windowCounts(s.entities.Occurrences(id), end, w, s.cfg.BaselineWindows)
	baseline := slices.Clone(counts[1:])
	slices.Reverse(baseline)
	burst := BurstScore(counts[0], baseline, s.cfg.MinStd)
	burstValue := min(max(burst.Z, 0), s.cfg.BurstCap)

	var highRisk, growth, newContacts, drops float64
	if s.links != nil {
		cur := s.links.NeighborsDuring(id, start, end)
		prev := s.links.NeighborsDuring(id, baselineStart, start)
		highRisk = float64(s.highRiskTypes(id, cur))
		if d := len(cur) - len(prev); d > 0 {
			growth = float64(d) / float64(max(len(prev), 1))
		}
		newContacts = float64(len(s.links.NewContacts(id, start, end)))
		drops = float64(len(s.contactDrops(id, start, w, cur)))
	}

	var odd float64
	if len(current) > 0 {
		n := 0
		for _, ts := range current {
			if h := ts.In(s.loc).Hour(); h >= s.cfg.OddHourStart && h < s.cfg.OddHourEnd {
				n++
			}
		}
		odd = float64(n) / float64(len(current))
	}

	terms := []common.RiskTerm{
		term(TermBurst, burstValue, s.cfg.BurstWeight),
		term(TermHighRiskType, highRisk, s.cfg.HighRiskTypeWeight),
		term(TermDegreeGrowth, growth, s.cfg.DegreeGrowthWeight),
		term(TermOddHour, odd, s.cfg.OddHourWeight),
		term(TermNewContacts, newContacts, s.cfg.NewContactWeight),
		term(TermContactDrops, drops, s.cfg.ContactDropWeight),
	}

	score := common.RiskScore{
		EntityID:    id,
		WindowStart: start,
		WindowEnd:   end,
		Threshold:   s.cfg.RiskThreshold,
		Terms:       terms,
	}
	best := 0.0
	for _, t := range terms {
		score.Score += t.Contribution
		if t.Contribution > best {
			best = t.Contribution
			score.Dominant = t.Name
		}
	}
	score.Flagged = score.Score >= s.cfg.RiskThreshold && score.Score > 0
	return score
}

func term(name string, value, weight float64) common.RiskTerm {
	return common.RiskTerm{Name: name, Value: value, Weight: weight, Contribution: value * weight}
}

// highRiskTypes counts the distinct high-risk entity types among the
// neighbors of id, excluding the type of id itself. The term measures how
// far an entity reaches into other kinds of risky identifiers; a wallet
// paying other wallets is already covered by burst and degree growth.
func (s *Scorer) highRiskTypes(id common.EntityID, neighbors []graph.Neighbor) int {
	self, _ := s.entities.Get(id)
	types := make(map[common.EntityType]bool)
	for _, n := range neighbors {
		e, ok := s.entities.Get(n.EntityID)
		if !ok || !e.Type.HighRisk() || e.Type == self.Type {
			continue
		}
		types[e.Type] = true
	}
	return len(types)
}

// contactDrops returns the neighbors that were active in the window of
// length w before start and are silent in the current one. Only neighbors
// backed by at least the configured support count.
func (s *Scorer) contactDrops(id common.EntityID, start time.Time, w time.Duration, cur []graph.Neighbor) []common.EntityID {
	active := make(map[common.EntityID]bool, len(cur))
	for _, n := range cur {
		active[n.EntityID] = true
	}
	var out []common.EntityID
	for _, n := range s.links.NeighborsDuring(id, start.Add(-w), start) {
		if active[n.EntityID] {
			continue
		}
		support := 0
		for _, e := range n.Edges {
			support += len(e.Support)
		}
		if support >= s.cfg.ContactDropMinSupport {
			out = append(out, n.EntityID)
		}
	}
	return out
}

// ScoreAll scores ids at end and returns them by score descending, then id.
func (s *Scorer) ScoreAll(ids []common.EntityID, end time.Time) []common.RiskScore {
	out := make([]common.RiskScore, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Score(id, end))
	}
	slices.SortFunc(out, func(a, b common.RiskScore) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.EntityID, b.EntityID))
	})
	return out
}

// Spike is a fixed time bucket with an unusual number of records.
type Spike struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// Spikes returns the buckets of the given size in which id appears in at
// least threshold distinct records, in time order. A non-positive threshold
// uses the configured spike threshold.
func (s *Scorer) Spikes(id common.EntityID, bucket time.Duration, threshold int) []Spike {
	if bucket <= 0 {
		bucket = time.Hour
	}
	if threshold <= 0 {
		threshold = s.cfg.SpikeThreshold
	}
	counts := make(map[time.Time]int)
	seen := make(map[common.RecordID]bool)
	for _, o := range s.entities.Occurrences(id) {
		if seen[o.RecordID] {
			continue
		}
		seen[o.RecordID] = true
		counts[o.Timestamp.UTC().Truncate(bucket)]++
	}
	var out []Spike
	for start, n := range counts {
		if n >= threshold {
			out = append(out, Spike{Start: start, End: start.Add(bucket), Count: n})
		}
	}
	slices.SortFunc(out, func(a, b Spike) int { return a.Start.Compare(b.Start) })
	return out
}
