// Package graph keeps the temporal relationship graph between entities.
//
// An edge joins two entities that co-occurred in at least one record. There
// is one edge per ordered entity pair; the relation kinds seen for the pair
// accumulate on it. Its time bounds only ever widen and its support only
// ever grows. Edges are stored behind atomic pointers and updated with a
// compare-and-swap loop, so concurrent upserts of the same pair never create
// two edges.
package graph

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"
)

var ErrSelfEdge = errors.New("edge endpoints must differ")

// Canonicalizer expands an entity to the ids merged with it.
type Canonicalizer interface {
	Group(id common.EntityID) []common.EntityID
}

type edgeKey struct {
	a, b common.EntityID
}

type slot struct {
	edge atomic.Pointer[common.Edge]
}

type adjacency struct {
	mu   sync.RWMutex
	keys []edgeKey
}

// Graph is safe for concurrent use.
type Graph struct {
	slots sync.Map // edgeKey -> *slot
	adj   sync.Map // common.EntityID -> *adjacency
	count atomic.Int64

	countScale float64
	halfLife   time.Duration
	canon      Canonicalizer
	audit      *audit.Log
}

// NewGraphParams configures a Graph.
//
// CountScale controls how fast stored confidence approaches one as support
// grows. RecencyHalfLife is used by ConfidenceAt. Canonicalizer, when set,
// makes entity lookups cover whole merge groups.
type NewGraphParams struct {
	CountScale      float64
	RecencyHalfLife time.Duration
	Canonicalizer   Canonicalizer
	Audit           *audit.Log
}

func NewGraph(params NewGraphParams) *Graph {
	scale := params.CountScale
	if scale <= 0 {
		scale = 3
	}
	return &Graph{
		countScale: scale,
		halfLife:   params.RecencyHalfLife,
		canon:      params.Canonicalizer,
		audit:      params.Audit,
	}
}

// SupportConfidence maps a support count to a stored confidence in (0,1).
// It is monotonic in n and does not depend on time.
func SupportConfidence(n int, scale float64) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(n)/scale)
}

// Upsert creates the edge between a and b or extends it with support seen
// at ts and the relation rel. FirstSeen and LastSeen only move outward. The
// returned bool is true when the edge did not exist before.
func (g *Graph) Upsert(
	ctx context.Context,
	a, b common.EntityID,
	rel common.Relation,
	support []common.OccurrenceID,
	ts time.Time,
) (common.Edge, bool, error) {
	if a == b {
		return common.Edge{}, false, ErrSelfEdge
	}
	if a > b {
		a, b = b, a
	}
	if len(support) == 0 {
		return common.Edge{}, false, errors.New("edge upsert needs at least one supporting occurrence")
	}
	key := edgeKey{a, b}

	v, loaded := g.slots.LoadOrStore(key, &slot{})
	s := v.(*slot)
	if !loaded {
		g.link(a, key)
		g.link(b, key)
		g.count.Add(1)
	}

	ts = ts.UTC()
	for {
		old := s.edge.Load()
		next, changed := extend(old, key, rel, support, ts, g.countScale)
		if !changed {
			return cloneEdge(old), false, nil
		}
		if s.edge.CompareAndSwap(old, next) {
			g.record(ctx, next, old == nil)
			return cloneEdge(next), old == nil, nil
		}
	}
}

func extend(old *common.Edge, key edgeKey, rel common.Relation, support []common.OccurrenceID, ts time.Time, scale float64) (*common.Edge, bool) {
	if old == nil {
		sup := slices.Clone(support)
		slices.Sort(sup)
		sup = slices.Compact(sup)
		return &common.Edge{
			A:          key.a,
			B:          key.b,
			Relations:  []common.Relation{rel},
			FirstSeen:  ts,
			LastSeen:   ts,
			Support:    sup,
			Confidence: SupportConfidence(len(sup), scale),
		}, true
	}

	sup := old.Support
	added := false
	for _, id := range support {
		i, found := slices.BinarySearch(sup, id)
		if found {
			continue
		}
		if !added {
			sup = slices.Clone(sup)
			added = true
		}
		sup = slices.Insert(sup, i, id)
	}
	rels := old.Relations
	i, found := slices.BinarySearch(rels, rel)
	if !found {
		rels = slices.Insert(slices.Clone(rels), i, rel)
	}
	first, last := old.FirstSeen, old.LastSeen
	if ts.Before(first) {
		first = ts
	}
	if ts.After(last) {
		last = ts
	}
	if !added && found && first.Equal(old.FirstSeen) && last.Equal(old.LastSeen) {
		return old, false
	}
	return &common.Edge{
		A:          old.A,
		B:          old.B,
		Relations:  rels,
		FirstSeen:  first,
		LastSeen:   last,
		Support:    sup,
		Confidence: SupportConfidence(len(sup), scale),
	}, true
}

func (g *Graph) record(ctx context.Context, e *common.Edge, created bool) {
	if g.audit == nil {
		return
	}
	rels := make([]string, len(e.Relations))
	for i, r := range e.Relations {
		rels[i] = string(r)
	}
	details := map[string]string{
		"relations": strings.Join(rels, ","),
		"support":  strconv.Itoa(len(e.Support)),
		"created":  strconv.FormatBool(created),
	}
	affected := []string{"ent_" + strconv.FormatUint(uint64(e.A), 10), "ent_" + strconv.FormatUint(uint64(e.B), 10)}
	if _, err := g.audit.Append(ctx, audit.ActorFrom(ctx), audit.OpEdgeUpsert, affected, details); err != nil {
		logger.Error("[Graph] Failed to audit edge upsert", "a", e.A, "b", e.B, "err", err)
	}
}

func (g *Graph) link(id common.EntityID, key edgeKey) {
	v, _ := g.adj.LoadOrStore(id, &adjacency{})
	a := v.(*adjacency)
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.mu.Unlock()
}

func cloneEdge(e *common.Edge) common.Edge {
	out := *e
	out.Support = slices.Clone(e.Support)
	out.Relations = slices.Clone(e.Relations)
	return out
}

// LinkRecord upserts an edge for every pair of distinct entities among the
// occurrences of one record. Each edge is supported by the occurrences of
// both endpoints in that record. Entities already merged into the same group
// are not linked to each other.
func (g *Graph) LinkRecord(ctx context.Context, rec *common.Record, occs []common.Occurrence) ([]common.Edge, error) {
	byEntity := make(map[common.EntityID][]common.OccurrenceID)
	var ids []common.EntityID
	for _, o := range occs {
		if _, ok := byEntity[o.EntityID]; !ok {
			ids = append(ids, o.EntityID)
		}
		byEntity[o.EntityID] = append(byEntity[o.EntityID], o.ID)
	}
	slices.Sort(ids)

	rel := common.RelationFor(rec.Type)
	var out []common.Edge
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			if g.sameGroup(a, b) {
				continue
			}
			support := append(slices.Clone(byEntity[a]), byEntity[b]...)
			e, _, err := g.Upsert(ctx, a, b, rel, support, rec.Timestamp)
			if err != nil {
				return out, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *Graph) sameGroup(a, b common.EntityID) bool {
	if g.canon == nil {
		return false
	}
	return slices.Contains(g.canon.Group(a), b)
}

func (g *Graph) group(id common.EntityID) []common.EntityID {
	if g.canon == nil {
		return []common.EntityID{id}
	}
	return g.canon.Group(id)
}

func (g *Graph) canonical(id common.EntityID) common.EntityID {
	if g.canon == nil {
		return id
	}
	return g.canon.Group(id)[0]
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	return int(g.count.Load())
}

// Edge returns the edge between a and b.
func (g *Graph) Edge(a, b common.EntityID) (common.Edge, bool) {
	if a > b {
		a, b = b, a
	}
	v, ok := g.slots.Load(edgeKey{a, b})
	if !ok {
		return common.Edge{}, false
	}
	e := v.(*slot).edge.Load()
	if e == nil {
		return common.Edge{}, false
	}
	return cloneEdge(e), true
}

// Edges returns every edge ordered by endpoints.
func (g *Graph) Edges() []common.Edge {
	var out []common.Edge
	g.slots.Range(func(_, v any) bool {
		if e := v.(*slot).edge.Load(); e != nil {
			out = append(out, cloneEdge(e))
		}
		return true
	})
	slices.SortFunc(out, compareKey)
	return out
}

// EdgeFilter decides whether an edge is visible and may trim it, for
// example to the support a caller is allowed to see. It returns false to
// hide the edge.
type EdgeFilter func(common.Edge) (common.Edge, bool)

// View is a read-only window on a Graph. Every edge passes through its
// filter before any time bound is checked, so bounds apply to the trimmed
// edge.
type View struct {
	g      *Graph
	filter EdgeFilter
}

// View returns a view applying filter. A nil filter shows every edge.
func (g *Graph) View(filter EdgeFilter) *View {
	return &View{g: g, filter: filter}
}

func (g *Graph) Timeline(id common.EntityID, from, to time.Time) []common.Edge {
	return g.View(nil).Timeline(id, from, to)
}

func (g *Graph) Neighbors(id common.EntityID, at time.Time) []Neighbor {
	return g.View(nil).Neighbors(id, at)
}

func (g *Graph) NeighborsDuring(id common.EntityID, from, to time.Time) []Neighbor {
	return g.View(nil).NeighborsDuring(id, from, to)
}

func (g *Graph) Degree(id common.EntityID, at time.Time) int {
	return g.View(nil).Degree(id, at)
}

func (g *Graph) NewContacts(id common.EntityID, from, to time.Time) []common.Edge {
	return g.View(nil).NewContacts(id, from, to)
}

func (g *Graph) EdgesAmong(ids []common.EntityID) []common.Edge {
	return g.View(nil).EdgesAmong(ids)
}

// edgesOf returns the edges touching any member of id's merge group,
// without duplicates.
func (v *View) edgesOf(id common.EntityID) []common.Edge {
	seen := make(map[edgeKey]bool)
	var out []common.Edge
	for _, member := range v.g.group(id) {
		av, ok := v.g.adj.Load(member)
		if !ok {
			continue
		}
		a := av.(*adjacency)
		a.mu.RLock()
		keys := slices.Clone(a.keys)
		a.mu.RUnlock()
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			sv, ok := v.g.slots.Load(k)
			if !ok {
				continue
			}
			// a slot is linked before its first edge is published
			e := sv.(*slot).edge.Load()
			if e == nil {
				continue
			}
			edge := cloneEdge(e)
			if v.filter != nil {
				if edge, ok = v.filter(edge); !ok {
					continue
				}
			}
			out = append(out, edge)
		}
	}
	return out
}

// Timeline returns the edges of an entity whose active span overlaps
// [from, to], ordered by FirstSeen. Zero bounds are open.
func (v *View) Timeline(id common.EntityID, from, to time.Time) []common.Edge {
	var out []common.Edge
	for _, e := range v.edgesOf(id) {
		if !from.IsZero() && e.LastSeen.Before(from) {
			continue
		}
		if !to.IsZero() && e.FirstSeen.After(to) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(x, y common.Edge) int {
		return cmp.Or(x.FirstSeen.Compare(y.FirstSeen), compareKey(x, y))
	})
	return out
}

// Neighbor is an entity adjacent to another at some point in time.
type Neighbor struct {
	EntityID common.EntityID `json:"entity_id"`
	Edges    []common.Edge   `json:"edges"`
}

// Neighbors returns the entities joined to id by an edge active at at,
// meaning FirstSeen <= at <= LastSeen. Neighbors are reported by their
// canonical id in ascending order.
func (v *View) Neighbors(id common.EntityID, at time.Time) []Neighbor {
	return v.neighbors(id, func(e common.Edge) bool {
		return !e.FirstSeen.After(at) && !e.LastSeen.Before(at)
	})
}

// NeighborsDuring returns the entities joined to id by an edge active at any
// time within [from, to].
func (v *View) NeighborsDuring(id common.EntityID, from, to time.Time) []Neighbor {
	return v.neighbors(id, func(e common.Edge) bool {
		return !e.FirstSeen.After(to) && !e.LastSeen.Before(from)
	})
}

func (v *View) neighbors(id common.EntityID, active func(common.Edge) bool) []Neighbor {
	self := v.g.group(id)
	byID := make(map[common.EntityID]*Neighbor)
	for _, e := range v.edgesOf(id) {
		if !active(e) {
			continue
		}
		other := e.B
		if slices.Contains(self, e.B) {
			other = e.A
		}
		if slices.Contains(self, other) {
			continue
		}
		other = v.g.canonical(other)
		n, ok := byID[other]
		if !ok {
			n = &Neighbor{EntityID: other}
			byID[other] = n
		}
		n.Edges = append(n.Edges, e)
	}
	out := make([]Neighbor, 0, len(byID))
	for _, n := range byID {
		slices.SortFunc(n.Edges, compareKey)
		out = append(out, *n)
	}
	slices.SortFunc(out, func(x, y Neighbor) int { return cmp.Compare(x.EntityID, y.EntityID) })
	return out
}

// Degree is the number of neighbors of id at time at.
func (v *View) Degree(id common.EntityID, at time.Time) int {
	return len(v.Neighbors(id, at))
}

// NewContacts returns the edges of id first seen within [from, to).
func (v *View) NewContacts(id common.EntityID, from, to time.Time) []common.Edge {
	var out []common.Edge
	for _, e := range v.edgesOf(id) {
		if !e.FirstSeen.Before(from) && e.FirstSeen.Before(to) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, compareKey)
	return out
}

// EdgesAmong returns the edges whose endpoints both belong to ids, after
// expanding every id to its merge group.
func (v *View) EdgesAmong(ids []common.EntityID) []common.Edge {
	members := make(map[common.EntityID]bool)
	for _, id := range ids {
		for _, m := range v.g.group(id) {
			members[m] = true
		}
	}
	seen := make(map[edgeKey]bool)
	var out []common.Edge
	for id := range members {
		for _, e := range v.edgesOf(id) {
			k := edgeKey{e.A, e.B}
			if seen[k] || !members[e.A] || !members[e.B] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
	}
	slices.SortFunc(out, compareKey)
	return out
}

// SupportConfidence is the stored confidence of an edge backed by n
// occurrences under this graph's count scale.
func (g *Graph) SupportConfidence(n int) float64 {
	return SupportConfidence(n, g.countScale)
}

// ConfidenceAt decays the stored confidence of e by the time elapsed since
// it was last seen.
func (g *Graph) ConfidenceAt(e common.Edge, t time.Time) float64 {
	return ConfidenceAt(e, t, g.halfLife)
}

// ConfidenceAt applies an exponential recency decay with the given half
// life. A non-positive half life disables decay.
func ConfidenceAt(e common.Edge, t time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || !t.After(e.LastSeen) {
		return e.Confidence
	}
	age := t.Sub(e.LastSeen)
	return e.Confidence * math.Exp2(-float64(age)/float64(halfLife))
}

func compareKey(x, y common.Edge) int {
	return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
}
