package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/casetrace/backend/pkg/anomaly"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/graph"
)

var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// EntityView is an entity with its merge group and the occurrences the
// caller's scope admits.
type EntityView struct {
	Entity      common.Entity       `json:"entity"`
	Group       []common.EntityID   `json:"group"`
	Occurrences []common.Occurrence `json:"occurrences"`
}

// RiskView is a risk score together with the activity spikes behind it.
type RiskView struct {
	Score  common.RiskScore `json:"score"`
	Spikes []anomaly.Spike  `json:"spikes,omitempty"`
}

// scopeView answers what one caller may see. It caches record visibility
// for the lifetime of a single request.
type scopeView struct {
	e       *Engine
	st      *state
	scope   common.Scope
	records map[common.RecordID]bool
}

func (e *Engine) scopeView(scope common.Scope) *scopeView {
	return &scopeView{e: e, st: e.state.Load(), scope: scope, records: make(map[common.RecordID]bool)}
}

func (v *scopeView) record(id common.RecordID) bool {
	ok, seen := v.records[id]
	if seen {
		return ok
	}
	if !v.scope.Empty() {
		meta, found := v.st.doc(id)
		ok = found && v.scope.Allows(&meta)
	}
	v.records[id] = ok
	return ok
}

// Get satisfies anomaly.Entities.
func (v *scopeView) Get(id common.EntityID) (common.Entity, bool) {
	return v.e.registry.Get(id)
}

// Occurrences returns the occurrences of id's group in visible records.
func (v *scopeView) Occurrences(id common.EntityID) []common.Occurrence {
	var out []common.Occurrence
	for _, o := range v.e.registry.Occurrences(id) {
		if v.record(o.RecordID) {
			out = append(out, o)
		}
	}
	return out
}

func (v *scopeView) entityVisible(id common.EntityID) bool {
	for _, o := range v.e.registry.Occurrences(id) {
		if v.record(o.RecordID) {
			return true
		}
	}
	return false
}

// edge trims an edge to the support found in visible records and derives
// its span, relations and confidence from that support alone. Edges with
// no visible support are hidden.
func (v *scopeView) edge(edge common.Edge) (common.Edge, bool) {
	var (
		support     []common.OccurrenceID
		relations   []common.Relation
		first, last time.Time
	)
	for _, id := range edge.Support {
		o, ok := v.e.registry.Occurrence(id)
		if !ok || !v.record(o.RecordID) {
			continue
		}
		support = append(support, id)
		ts := o.Timestamp.UTC()
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
		if meta, ok := v.st.doc(o.RecordID); ok {
			rel := common.RelationFor(meta.Type)
			if !slices.Contains(relations, rel) {
				relations = append(relations, rel)
			}
		}
	}
	if len(support) == 0 {
		return common.Edge{}, false
	}
	if len(support) == len(edge.Support) {
		return edge, true
	}
	slices.Sort(relations)
	edge.Support = support
	edge.Relations = relations
	edge.FirstSeen = first
	edge.LastSeen = last
	edge.Confidence = v.e.graph.SupportConfidence(len(support))
	return edge, true
}

func (v *scopeView) graph() *graph.View {
	return v.e.graph.View(v.edge)
}

func (v *scopeView) scorer() *anomaly.Scorer {
	return v.e.scorer.Scoped(v, v.graph())
}

// EntityVisible reports whether scope admits at least one record that
// mentions id or an entity merged with it.
func (e *Engine) EntityVisible(id common.EntityID, scope common.Scope) bool {
	return e.scopeView(scope).entityVisible(id)
}

func (v *scopeView) visible(id common.EntityID) error {
	if _, ok := v.e.registry.Get(id); !ok || !v.entityVisible(id) {
		return fmt.Errorf("entity %d: %w", id, common.ErrNotFound)
	}
	return nil
}

func (e *Engine) Entity(id common.EntityID, scope common.Scope) (EntityView, error) {
	v := e.scopeView(scope)
	if err := v.visible(id); err != nil {
		return EntityView{}, err
	}
	ent, _ := e.registry.Get(id)
	return EntityView{
		Entity:      ent,
		Group:       e.registry.Group(id),
		Occurrences: v.Occurrences(id),
	}, nil
}

// Timeline returns the edges of id whose active span overlaps [from, to],
// ordered by first sighting. Zero bounds are open. Edges are trimmed to the
// support scope admits before the bounds are checked.
func (e *Engine) Timeline(id common.EntityID, from, to time.Time, scope common.Scope) ([]common.Edge, error) {
	v := e.scopeView(scope)
	if err := v.visible(id); err != nil {
		return nil, err
	}
	return v.graph().Timeline(id, from, to), nil
}

// Neighbors returns the entities linked to id by an edge active at at. A
// zero at returns every neighbor ever linked.
func (e *Engine) Neighbors(id common.EntityID, at time.Time, scope common.Scope) ([]graph.Neighbor, error) {
	v := e.scopeView(scope)
	if err := v.visible(id); err != nil {
		return nil, err
	}
	if at.IsZero() {
		return v.graph().NeighborsDuring(id, time.Time{}, endOfTime), nil
	}
	return v.graph().Neighbors(id, at), nil
}

// Risk scores id for the window ending at at from the occurrences and
// edges scope admits. A zero at uses the current time.
func (e *Engine) Risk(id common.EntityID, at time.Time, scope common.Scope) (RiskView, error) {
	v := e.scopeView(scope)
	if err := v.visible(id); err != nil {
		return RiskView{}, err
	}
	if at.IsZero() {
		at = e.now()
	}
	scorer := v.scorer()
	return RiskView{
		Score:  scorer.Score(e.registry.Canonical(id), at),
		Spikes: scorer.Spikes(id, time.Hour, 0),
	}, nil
}
