package entity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"
)

// minNearMissRunes keeps short values out of edit-distance matching, where
// a single edit changes most of the value.
const minNearMissRunes = 6

var ErrCandidateDecided = errors.New("merge candidate already decided")

// CandidateIDPrefix prefixes merge candidate ids.
const CandidateIDPrefix = "mrg"

type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateConfirmed CandidateStatus = "confirmed"
	CandidateRejected  CandidateStatus = "rejected"
)

// MergeCandidate is a pair of entities that look like the same identifier
// but were not merged automatically.
type MergeCandidate struct {
	ID        string            `json:"id"`
	A         common.EntityID   `json:"entity_a"`
	B         common.EntityID   `json:"entity_b"`
	Type      common.EntityType `json:"type"`
	Reason    string            `json:"reason"`
	Distance  int               `json:"distance"`
	Status    CandidateStatus   `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	DecidedAt time.Time         `json:"decided_at,omitzero"`
	DecidedBy string            `json:"decided_by,omitempty"`
}

// Resolution is the outcome of resolving one detection.
type Resolution struct {
	Detection  Detection         `json:"detection"`
	Occurrence common.Occurrence `json:"occurrence"`
	Entity     common.Entity     `json:"entity"`
	Created    bool              `json:"created"`
	Candidates []MergeCandidate  `json:"candidates,omitempty"`
}

// Err returns an error wrapping common.ErrMergeAmbiguous when resolving the
// detection opened merge candidates.
func (r Resolution) Err() error {
	if len(r.Candidates) == 0 {
		return nil
	}
	return fmt.Errorf("%w: entity %d has %d near-miss candidates", common.ErrMergeAmbiguous, r.Entity.ID, len(r.Candidates))
}

type entityKey struct {
	typ   common.EntityType
	value string
}

type occurrenceKey struct {
	entity common.EntityID
	record common.RecordID
	offset int
	field  string
}

// Registry resolves detections to entities. Entities live in an arena
// indexed by their id; nothing is ever removed. Confirmed merges are kept
// in a union-find whose root is always the smallest id of the group.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	entities []common.Entity // index 0 unused
	parent   []common.EntityID
	members  map[common.EntityID][]common.EntityID
	byKey    map[entityKey]common.EntityID
	byType   map[common.EntityType][]common.EntityID

	nearMiss map[entityKey][]common.EntityID
	suffixes map[string][]common.EntityID

	occurrences []common.Occurrence // index = id-1
	byEntity    map[common.EntityID][]common.OccurrenceID
	byRecord    map[common.RecordID][]common.OccurrenceID
	seen        map[occurrenceKey]common.OccurrenceID

	candidates []*MergeCandidate
	candByID   map[string]*MergeCandidate
	candByPair map[[2]common.EntityID]*MergeCandidate

	maxDistance   int
	maxCountry    int
	minConfidence float64
	audit         *audit.Log
	now           func() time.Time
}

type NewRegistryParams struct {
	NearMissMaxDistance  int
	CountryCodeMaxDigits int
	MinConfidence        float64
	Audit                *audit.Log
	Now                  func() time.Time
}

func NewRegistry(params NewRegistryParams) *Registry {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entities:      make([]common.Entity, 1),
		parent:        make([]common.EntityID, 1),
		members:       make(map[common.EntityID][]common.EntityID),
		byKey:         make(map[entityKey]common.EntityID),
		byType:        make(map[common.EntityType][]common.EntityID),
		nearMiss:      make(map[entityKey][]common.EntityID),
		suffixes:      make(map[string][]common.EntityID),
		byEntity:      make(map[common.EntityID][]common.OccurrenceID),
		byRecord:      make(map[common.RecordID][]common.OccurrenceID),
		seen:          make(map[occurrenceKey]common.OccurrenceID),
		candByID:      make(map[string]*MergeCandidate),
		candByPair:    make(map[[2]common.EntityID]*MergeCandidate),
		maxDistance:   max(params.NearMissMaxDistance, 0),
		maxCountry:    max(params.CountryCodeMaxDigits, 0),
		minConfidence: params.MinConfidence,
		audit:         params.Audit,
		now:           now,
	}
}

// Resolve attaches every detection of rec to an entity and records an
// occurrence for it. Detections below the confidence floor or with values
// that do not normalize are skipped. Resolving the same detection for the
// same record again is a no-op.
func (r *Registry) Resolve(ctx context.Context, rec *common.Record, ds []Detection) ([]Resolution, error) {
	out := make([]Resolution, 0, len(ds))
	var opened []MergeCandidate

	r.mu.Lock()
	for _, d := range ds {
		if d.Confidence < r.minConfidence {
			continue
		}
		canonical, err := Normalize(d.Type, d.SurfaceForm)
		if err != nil {
			logger.Debug("[Resolve] Skipping detection", "type", d.Type, "surface", d.SurfaceForm, "err", err)
			continue
		}
		res := r.resolveLocked(rec, d, canonical)
		opened = append(opened, res.Candidates...)
		out = append(out, res)
	}
	r.mu.Unlock()

	actor := audit.ActorFrom(ctx)
	for _, c := range opened {
		logger.Info("[Resolve] Opened merge candidate", "id", c.ID, "a", c.A, "b", c.B, "reason", c.Reason)
		r.record(ctx, actor, audit.OpMergeCandidate, c, map[string]string{
			"reason":   c.Reason,
			"distance": strconv.Itoa(c.Distance),
			"type":     string(c.Type),
		})
	}
	return out, nil
}

func (r *Registry) resolveLocked(rec *common.Record, d Detection, canonical string) Resolution {
	key := entityKey{d.Type, canonical}
	res := Resolution{Detection: d}

	id, ok := r.byKey[key]
	if !ok {
		id = common.EntityID(len(r.entities))
		r.entities = append(r.entities, common.Entity{
			ID:             id,
			Type:           d.Type,
			CanonicalValue: canonical,
			CreatedAt:      r.now().UTC(),
		})
		r.parent = append(r.parent, id)
		r.byKey[key] = id
		r.byType[d.Type] = append(r.byType[d.Type], id)
		res.Created = true
		res.Candidates = r.openCandidatesLocked(id)
	}

	ent := &r.entities[id]
	surface := d.SurfaceForm
	if i, found := slices.BinarySearch(ent.Aliases, surface); !found {
		ent.Aliases = slices.Insert(ent.Aliases, i, surface)
	}

	ok2 := occurrenceKey{entity: id, record: rec.ID, offset: d.Offset, field: d.Field}
	if occID, dup := r.seen[ok2]; dup {
		res.Occurrence = r.occurrences[occID-1]
	} else {
		occ := common.Occurrence{
			ID:          common.OccurrenceID(len(r.occurrences) + 1),
			EntityID:    id,
			RecordID:    rec.ID,
			CharOffset:  d.Offset,
			Confidence:  d.Confidence,
			SurfaceForm: surface,
			Field:       d.Field,
			Timestamp:   rec.Timestamp,
		}
		r.occurrences = append(r.occurrences, occ)
		r.seen[ok2] = occ.ID
		r.byEntity[id] = append(r.byEntity[id], occ.ID)
		r.byRecord[rec.ID] = append(r.byRecord[rec.ID], occ.ID)
		res.Occurrence = occ
	}
	res.Entity = r.entityLocked(id)
	return res
}

// openCandidatesLocked indexes a new entity for near-miss lookups and opens
// a candidate for every existing entity it nearly matches.
func (r *Registry) openCandidatesLocked(id common.EntityID) []MergeCandidate {
	ent := r.entities[id]
	type hit struct {
		other    common.EntityID
		reason   string
		distance int
	}
	var hits []hit

	if ent.Type == common.EntityPhone && r.maxCountry > 0 {
		v := ent.CanonicalValue
		for k := 1; k <= r.maxCountry; k++ {
			if len(v)-k < minPhoneDigits {
				break
			}
			if other, ok := r.byKey[entityKey{common.EntityPhone, v[k:]}]; ok {
				hits = append(hits, hit{other, "country_code", k})
			}
			r.suffixes[v[k:]] = append(r.suffixes[v[k:]], id)
		}
		for _, other := range r.suffixes[v] {
			hits = append(hits, hit{other, "country_code", len(r.entities[other].CanonicalValue) - len(v)})
		}
	}

	if r.maxDistance > 0 && ent.Type != common.EntityIP && utf8.RuneCountInString(ent.CanonicalValue) >= minNearMissRunes {
		checked := make(map[common.EntityID]bool)
		for _, v := range deletions(ent.CanonicalValue, r.maxDistance) {
			key := entityKey{ent.Type, v}
			for _, other := range r.nearMiss[key] {
				if other == id || checked[other] {
					continue
				}
				checked[other] = true
				dist := levenshtein(ent.CanonicalValue, r.entities[other].CanonicalValue, r.maxDistance)
				if dist <= r.maxDistance {
					hits = append(hits, hit{other, "edit_distance", dist})
				}
			}
			r.nearMiss[key] = append(r.nearMiss[key], id)
		}
	}

	var out []MergeCandidate
	for _, h := range hits {
		pair := orderedPair(id, h.other)
		if _, exists := r.candByPair[pair]; exists {
			continue
		}
		c := &MergeCandidate{
			ID:        util.NewID(CandidateIDPrefix),
			A:         pair[0],
			B:         pair[1],
			Type:      ent.Type,
			Reason:    h.reason,
			Distance:  h.distance,
			Status:    CandidatePending,
			CreatedAt: r.now().UTC(),
		}
		r.candidates = append(r.candidates, c)
		r.candByID[c.ID] = c
		r.candByPair[pair] = c
		out = append(out, *c)
	}
	return out
}

func orderedPair(a, b common.EntityID) [2]common.EntityID {
	if a > b {
		a, b = b, a
	}
	return [2]common.EntityID{a, b}
}

// ConfirmMerge joins the two entities of a pending candidate. Confirming an
// already confirmed candidate is a no-op.
func (r *Registry) ConfirmMerge(ctx context.Context, candidateID, actor string) (MergeCandidate, error) {
	return r.decide(ctx, candidateID, actor, CandidateConfirmed)
}

// RejectMerge closes a pending candidate without merging. Rejecting an
// already rejected candidate is a no-op.
func (r *Registry) RejectMerge(ctx context.Context, candidateID, actor string) (MergeCandidate, error) {
	return r.decide(ctx, candidateID, actor, CandidateRejected)
}

func (r *Registry) decide(ctx context.Context, candidateID, actor string, status CandidateStatus) (MergeCandidate, error) {
	r.mu.Lock()
	c, ok := r.candByID[candidateID]
	if !ok {
		r.mu.Unlock()
		return MergeCandidate{}, fmt.Errorf("merge candidate %s: %w", candidateID, common.ErrNotFound)
	}
	switch c.Status {
	case status:
		out := *c
		r.mu.Unlock()
		return out, nil
	case CandidatePending:
	default:
		out := *c
		r.mu.Unlock()
		return out, fmt.Errorf("%w: %s is %s", ErrCandidateDecided, c.ID, c.Status)
	}

	c.Status = status
	c.DecidedAt = r.now().UTC()
	c.DecidedBy = actor
	if status == CandidateConfirmed {
		r.unionLocked(c.A, c.B)
	}
	out := *c
	r.mu.Unlock()

	op := audit.OpMergeRejected
	if status == CandidateConfirmed {
		op = audit.OpMergeConfirmed
	}
	logger.Info("[Resolve] Merge candidate decided", "id", out.ID, "status", out.Status, "actor", actor)
	details := r.pairDetails(out.A, out.B)
	details["candidate"] = out.ID
	r.record(ctx, actor, op, out, details)
	return out, nil
}

// Merge joins the groups of a and b directly. The surviving root is the
// smallest id of the combined group, so merges commute and repeating one
// changes nothing.
func (r *Registry) Merge(ctx context.Context, a, b common.EntityID, actor string) (common.EntityID, error) {
	r.mu.Lock()
	if !r.validLocked(a) || !r.validLocked(b) {
		r.mu.Unlock()
		return 0, fmt.Errorf("merge %d and %d: %w", a, b, common.ErrNotFound)
	}
	if r.entities[a].Type != r.entities[b].Type {
		r.mu.Unlock()
		return 0, fmt.Errorf("cannot merge %s entity %d with %s entity %d", r.entities[a].Type, a, r.entities[b].Type, b)
	}
	changed := r.unionLocked(a, b)
	root := r.findLocked(a)
	r.mu.Unlock()

	if changed {
		pair := orderedPair(a, b)
		details := r.pairDetails(pair[0], pair[1])
		details["root"] = strconv.FormatUint(uint64(root), 10)
		r.record(ctx, actor, audit.OpMergeConfirmed, MergeCandidate{A: pair[0], B: pair[1]}, details)
	}
	return root, nil
}

// pairDetails names a pair by type and canonical values, which survive a
// restart where entity ids may be assigned in a different order.
func (r *Registry) pairDetails(a, b common.EntityID) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]string{
		"type":    string(r.entities[a].Type),
		"value_a": r.entities[a].CanonicalValue,
		"value_b": r.entities[b].CanonicalValue,
	}
}

// Decision is a merge decision recovered from the audit chain.
type Decision struct {
	Type   common.EntityType
	ValueA string
	ValueB string
	Status CandidateStatus
	Actor  string
	At     time.Time
}

// DecisionFromEntry reads a merge decision from an audit entry. It returns
// false for other operations and for entries written without values.
func DecisionFromEntry(e audit.Entry) (Decision, bool) {
	var status CandidateStatus
	switch e.Operation {
	case audit.OpMergeConfirmed:
		status = CandidateConfirmed
	case audit.OpMergeRejected:
		status = CandidateRejected
	default:
		return Decision{}, false
	}
	d := Decision{
		Type:   common.EntityType(e.Details["type"]),
		ValueA: e.Details["value_a"],
		ValueB: e.Details["value_b"],
		Status: status,
		Actor:  e.Actor,
		At:     e.Time,
	}
	if d.Type == "" || d.ValueA == "" || d.ValueB == "" {
		return Decision{}, false
	}
	return d, true
}

// ApplyDecision replays a decision without auditing it again. It returns
// false when either entity is not known yet. A pending candidate for the
// pair takes the decision; without one, a decided candidate is recorded so
// the pair is never proposed again.
func (r *Registry) ApplyDecision(d Decision) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, okA := r.byKey[entityKey{d.Type, d.ValueA}]
	b, okB := r.byKey[entityKey{d.Type, d.ValueB}]
	if !okA || !okB || a == b {
		return false
	}
	pair := orderedPair(a, b)
	c, ok := r.candByPair[pair]
	if !ok {
		c = &MergeCandidate{
			ID:        util.NewID(CandidateIDPrefix),
			A:         pair[0],
			B:         pair[1],
			Type:      d.Type,
			Reason:    "replayed",
			Status:    CandidatePending,
			CreatedAt: d.At,
		}
		r.candidates = append(r.candidates, c)
		r.candByID[c.ID] = c
		r.candByPair[pair] = c
	}
	if c.Status == CandidatePending {
		c.Status = d.Status
		c.DecidedAt = d.At
		c.DecidedBy = d.Actor
	}
	if d.Status == CandidateConfirmed {
		r.unionLocked(a, b)
	}
	return true
}

// Occurrence returns the occurrence with the given id.
func (r *Registry) Occurrence(id common.OccurrenceID) (common.Occurrence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.occurrences) {
		return common.Occurrence{}, false
	}
	return r.occurrences[id-1], true
}

func (r *Registry) record(ctx context.Context, actor string, op audit.Operation, c MergeCandidate, details map[string]string) {
	if r.audit == nil {
		return
	}
	affected := []string{formatID(c.A), formatID(c.B)}
	if c.ID != "" {
		affected = append(affected, c.ID)
	}
	if _, err := r.audit.Append(ctx, actor, op, affected, details); err != nil {
		logger.Error("[Audit] Failed to record entity decision", "op", op, "err", err)
	}
}

func formatID(id common.EntityID) string {
	return "ent_" + strconv.FormatUint(uint64(id), 10)
}

func (r *Registry) validLocked(id common.EntityID) bool {
	return id > 0 && int(id) < len(r.entities)
}

func (r *Registry) findLocked(id common.EntityID) common.EntityID {
	root := id
	for r.parent[root] != root {
		root = r.parent[root]
	}
	for r.parent[id] != root {
		next := r.parent[id]
		r.parent[id] = root
		id = next
	}
	return root
}

// find walks to the root without path compression, for readers holding
// only the read lock.
func (r *Registry) find(id common.EntityID) common.EntityID {
	for r.parent[id] != id {
		id = r.parent[id]
	}
	return id
}

func (r *Registry) unionLocked(a, b common.EntityID) bool {
	ra, rb := r.findLocked(a), r.findLocked(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	r.parent[rb] = ra
	group := r.members[ra]
	if group == nil {
		group = []common.EntityID{ra}
	}
	absorbed := r.members[rb]
	if absorbed == nil {
		absorbed = []common.EntityID{rb}
	}
	group = append(group, absorbed...)
	slices.Sort(group)
	r.members[ra] = group
	delete(r.members, rb)
	return true
}

// entityLocked copies an entity. A group root carries the aliases of every
// entity merged into it, including their canonical values.
func (r *Registry) entityLocked(id common.EntityID) common.Entity {
	e := r.entities[id]
	e.Aliases = slices.Clone(e.Aliases)
	root := r.find(id)
	if root != id {
		e.MergedInto = root
		return e
	}
	for _, member := range r.members[root] {
		if member == root {
			continue
		}
		m := r.entities[member]
		e.Aliases = append(e.Aliases, m.CanonicalValue)
		e.Aliases = append(e.Aliases, m.Aliases...)
	}
	slices.Sort(e.Aliases)
	e.Aliases = slices.Compact(e.Aliases)
	return e
}

// Get returns the entity with the given id. MergedInto is set when the
// entity was absorbed by a confirmed merge.
func (r *Registry) Get(id common.EntityID) (common.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.validLocked(id) {
		return common.Entity{}, false
	}
	return r.entityLocked(id), true
}

// Lookup finds the entity a surface form resolves to, following merges to
// the group root.
func (r *Registry) Lookup(t common.EntityType, surface string) (common.Entity, bool) {
	canonical, err := Normalize(t, surface)
	if err != nil {
		return common.Entity{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[entityKey{t, canonical}]
	if !ok {
		return common.Entity{}, false
	}
	return r.entityLocked(r.find(id)), true
}

// Canonical returns the root of id's merge group.
func (r *Registry) Canonical(id common.EntityID) common.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.validLocked(id) {
		return id
	}
	return r.find(id)
}

// Group returns every entity id merged with id, including id, in
// ascending order.
func (r *Registry) Group(id common.EntityID) []common.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groupLocked(id)
}

func (r *Registry) groupLocked(id common.EntityID) []common.EntityID {
	if !r.validLocked(id) {
		return []common.EntityID{id}
	}
	if g, ok := r.members[r.find(id)]; ok {
		return slices.Clone(g)
	}
	return []common.EntityID{id}
}

// Entities returns a copy of every entity in id order.
func (r *Registry) Entities() []common.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Entity, 0, len(r.entities)-1)
	for id := 1; id < len(r.entities); id++ {
		out = append(out, r.entityLocked(common.EntityID(id)))
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities) - 1
}

// EntitiesOfType returns the ids of all entities of type t in id order.
func (r *Registry) EntitiesOfType(t common.EntityType) []common.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byType[t])
}

// Occurrences returns the occurrences of id's whole merge group ordered by
// timestamp, then occurrence id.
func (r *Registry) Occurrences(id common.EntityID) []common.Occurrence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []common.Occurrence
	for _, member := range r.groupLocked(id) {
		for _, occID := range r.byEntity[member] {
			out = append(out, r.occurrences[occID-1])
		}
	}
	sortOccurrences(out)
	return out
}

// OccurrencesOfType returns every occurrence of an entity of type t.
func (r *Registry) OccurrencesOfType(t common.EntityType) []common.Occurrence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []common.Occurrence
	for _, id := range r.byType[t] {
		for _, occID := range r.byEntity[id] {
			out = append(out, r.occurrences[occID-1])
		}
	}
	sortOccurrences(out)
	return out
}

// RecordOccurrences returns the occurrences found in one record, in the
// order they were resolved.
func (r *Registry) RecordOccurrences(id common.RecordID) []common.Occurrence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byRecord[id]
	out := make([]common.Occurrence, 0, len(ids))
	for _, occID := range ids {
		out = append(out, r.occurrences[occID-1])
	}
	return out
}

// Candidates returns merge candidates with the given status, or all when
// status is empty, in creation order.
func (r *Registry) Candidates(status CandidateStatus) []MergeCandidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []MergeCandidate
	for _, c := range r.candidates {
		if status == "" || c.Status == status {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Registry) Candidate(id string) (MergeCandidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.candByID[id]
	if !ok {
		return MergeCandidate{}, false
	}
	return *c, true
}

func sortOccurrences(occs []common.Occurrence) {
	slices.SortFunc(occs, func(a, b common.Occurrence) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
}
