package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/index/lexical"
	"github.com/casetrace/backend/pkg/logger"
	"github.com/casetrace/backend/pkg/store"
)

var ErrInvalidQuery = errors.New("invalid query")

const (
	RankingLexical  = "lexical"
	RankingSemantic = "semantic"
	RankingEntity   = "entity"
)

// typeKeywords maps query words to the entity type they ask for.
var typeKeywords = map[string]common.EntityType{
	"crypto":   common.EntityCryptoAddress,
	"wallet":   common.EntityCryptoAddress,
	"wallets":  common.EntityCryptoAddress,
	"bitcoin":  common.EntityCryptoAddress,
	"btc":      common.EntityCryptoAddress,
	"ethereum": common.EntityCryptoAddress,
	"phone":    common.EntityPhone,
	"phones":   common.EntityPhone,
	"ip":       common.EntityIP,
	"ips":      common.EntityIP,
	"email":    common.EntityEmail,
	"emails":   common.EntityEmail,
	"url":      common.EntityURL,
	"urls":     common.EntityURL,
	"link":     common.EntityURL,
	"links":    common.EntityURL,
	"device":   common.EntityDeviceID,
	"devices":  common.EntityDeviceID,
	"imei":     common.EntityDeviceID,
}

// Filters are structured restrictions applied to every ranking before
// fusion. Zero fields do not restrict.
type Filters struct {
	From        time.Time           `json:"from,omitzero"`
	To          time.Time           `json:"to,omitzero"`
	Types       []common.RecordType `json:"types,omitempty"`
	SourceFiles []string            `json:"source_files,omitempty"`
	// EntityIDs keeps only records mentioning one of these entities or an
	// entity merged with them.
	EntityIDs []common.EntityID `json:"entity_ids,omitempty"`
	// EntityTypes keeps only records mentioning an entity of one of these
	// types.
	EntityTypes []common.EntityType `json:"entity_types,omitempty"`
	// Languages keeps only records detected as one of these ISO 639-1
	// codes. Records too short to detect never match.
	Languages []string `json:"languages,omitempty"`
}

type Query struct {
	Text    string        `json:"text"`
	Filters Filters       `json:"filters"`
	TopK    int           `json:"top_k"`
	Timeout time.Duration `json:"timeout"`
	// Scope is the set of records the caller may see. The zero value
	// denies everything.
	Scope        common.Scope `json:"scope"`
	IncludeGraph bool         `json:"include_graph"`
	IncludeRisk  bool         `json:"include_risk"`
}

type QueryResult struct {
	Generation      uint64               `json:"generation"`
	Results         []common.CitedResult `json:"results"`
	Partial         bool                 `json:"partial"`
	PartialReason   string               `json:"partial_reason,omitempty"`
	SemanticSkipped bool                 `json:"semantic_skipped"`
	Entities        []common.Entity      `json:"entities,omitempty"`
	Edges           []common.Edge        `json:"edges,omitempty"`
	Risk            []common.RiskScore   `json:"risk,omitempty"`
	Took            time.Duration        `json:"took"`
}

func (q *Query) validate() error {
	f := q.Filters
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return fmt.Errorf("%w: from is after to", ErrInvalidQuery)
	}
	if q.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative", ErrInvalidQuery)
	}
	for _, t := range f.Types {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown record type %q", ErrInvalidQuery, t)
		}
	}
	for _, l := range f.Languages {
		if len(strings.TrimSpace(l)) != 2 {
			return fmt.Errorf("%w: language %q is not an ISO 639-1 code", ErrInvalidQuery, l)
		}
	}
	if q.Text == "" && len(f.EntityIDs) == 0 && len(f.EntityTypes) == 0 {
		return fmt.Errorf("%w: needs text or an entity filter", ErrInvalidQuery)
	}
	return nil
}

// references are the entities a query talks about.
type references struct {
	// explicit entity filters, canonical ids
	filterIDs []common.EntityID
	// entities named in the query text, canonical ids
	textIDs []common.EntityID
	types   []common.EntityType
}

func (r *references) ids() []common.EntityID {
	out := slices.Concat(r.filterIDs, r.textIDs)
	slices.Sort(out)
	return slices.Compact(out)
}

func (r *references) empty() bool {
	return len(r.filterIDs) == 0 && len(r.textIDs) == 0 && len(r.types) == 0
}

func (e *Engine) references(ctx context.Context, q *Query, terms []string) references {
	var ref references
	for _, id := range q.Filters.EntityIDs {
		ref.filterIDs = append(ref.filterIDs, e.registry.Canonical(id))
	}

	if q.Text != "" {
		found, err := e.extractor.DetectText(ctx, q.Text)
		if err != nil {
			logger.Debug("[Query] Entity detection on query text failed", "err", err)
		}
		for _, d := range found {
			if ent, ok := e.registry.Lookup(d.Type, d.SurfaceForm); ok {
				ref.textIDs = append(ref.textIDs, ent.ID)
			}
		}
	}

	ref.types = slices.Clone(q.Filters.EntityTypes)
	if e.cfg.Query.InferEntityTypes {
		for _, t := range terms {
			if et, ok := typeKeywords[t]; ok {
				ref.types = append(ref.types, et)
			}
		}
	}
	slices.Sort(ref.filterIDs)
	ref.filterIDs = slices.Compact(ref.filterIDs)
	slices.Sort(ref.textIDs)
	ref.textIDs = slices.Compact(ref.textIDs)
	slices.Sort(ref.types)
	ref.types = slices.Compact(ref.types)
	return ref
}

// recordFilter builds the predicate every ranking applies before it ranks.
// It covers the structured filters, entity presence and the caller's scope.
func (e *Engine) recordFilter(st *state, q *Query, ref *references) func(common.RecordID) bool {
	scope := q.Scope
	sf := store.Filter{
		Types:       q.Filters.Types,
		SourceFiles: q.Filters.SourceFiles,
		From:        q.Filters.From,
		To:          q.Filters.To,
		Scope:       &scope,
	}

	var withIDs, withTypes map[common.RecordID]bool
	if len(ref.filterIDs) > 0 {
		withIDs = make(map[common.RecordID]bool)
		for _, id := range ref.filterIDs {
			for _, o := range e.registry.Occurrences(id) {
				withIDs[o.RecordID] = true
			}
		}
	}
	if len(ref.types) > 0 {
		withTypes = make(map[common.RecordID]bool)
		for _, t := range ref.types {
			for _, o := range e.registry.OccurrencesOfType(t) {
				withTypes[o.RecordID] = true
			}
		}
	}

	langs := normalizeLanguages(q.Filters.Languages)

	return func(id common.RecordID) bool {
		if withIDs != nil && !withIDs[id] {
			return false
		}
		if len(langs) > 0 && !slices.Contains(langs, st.language(id)) {
			return false
		}
		if withTypes != nil && !withTypes[id] {
			return false
		}
		meta, ok := st.doc(id)
		return ok && sf.Match(&meta)
	}
}

// entityRanking orders the records mentioning referenced entities by best
// occurrence confidence, then earlier timestamp, then record ID.
func (e *Engine) entityRanking(ref *references, filter func(common.RecordID) bool, n int) []common.RecordID {
	type cand struct {
		id   common.RecordID
		conf float64
		ts   time.Time
	}
	best := make(map[common.RecordID]*cand)
	add := func(occs []common.Occurrence) {
		for _, o := range occs {
			c, ok := best[o.RecordID]
			if !ok {
				if !filter(o.RecordID) {
					continue
				}
				best[o.RecordID] = &cand{id: o.RecordID, conf: o.Confidence, ts: o.Timestamp}
				continue
			}
			c.conf = max(c.conf, o.Confidence)
		}
	}
	for _, id := range ref.ids() {
		add(e.registry.Occurrences(id))
	}
	for _, t := range ref.types {
		add(e.registry.OccurrencesOfType(t))
	}

	cands := make([]*cand, 0, len(best))
	for _, c := range best {
		cands = append(cands, c)
	}
	slices.SortFunc(cands, func(a, b *cand) int {
		return cmp.Or(cmp.Compare(b.conf, a.conf), a.ts.Compare(b.ts), cmp.Compare(a.id, b.id))
	})
	out := make([]common.RecordID, 0, min(n, len(cands)))
	for _, c := range cands[:min(n, len(cands))] {
		out = append(out, c.id)
	}
	return out
}

type semanticOutcome struct {
	ids     []common.RecordID
	skipped bool
}

func (e *Engine) semanticRanking(ctx context.Context, st *state, text string, n int, filter func(common.RecordID) bool) semanticOutcome {
	snap := st.semantic.Snapshot()
	if e.embedder == nil || text == "" || snap.Len() == 0 {
		return semanticOutcome{skipped: true}
	}
	if snap.ModelVersion() != e.embedder.ModelVersion() {
		return semanticOutcome{skipped: true}
	}

	budget := e.cfg.Query.EmbedBudget
	ectx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	vec, err := e.embedder.Embed(ectx, text)
	if err != nil {
		logger.Debug("[Query] Query embedding unavailable, lexical only", "err", err)
		return semanticOutcome{skipped: true}
	}
	hits, err := snap.Search(vec, n, filter)
	if err != nil {
		logger.Warn("[Query] Semantic search failed", "err", err)
		return semanticOutcome{skipped: true}
	}
	out := make([]common.RecordID, 0, len(hits))
	for _, h := range hits {
		if h.Similarity > 0 {
			out = append(out, h.Record)
		}
	}
	return semanticOutcome{ids: out}
}

// Query runs a hybrid retrieval. Filters and scope are applied inside each
// ranking, the rankings are fused with weighted reciprocal rank fusion and
// every result cites the file and line range of its record. Hitting the
// deadline returns the best ranking assembled so far with Partial set.
func (e *Engine) Query(ctx context.Context, q Query) (*QueryResult, error) {
	start := time.Now()
	if err := q.validate(); err != nil {
		return nil, err
	}
	topK := q.TopK
	if topK == 0 {
		topK = e.cfg.Query.DefaultTopK
	}
	topK = min(topK, e.cfg.Query.MaxTopK)
	timeout := cmp.Or(q.Timeout, e.cfg.Query.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := e.state.Load()
	res := &QueryResult{Generation: st.generation, Results: []common.CitedResult{}}
	if q.Scope.Empty() {
		res.Took = time.Since(start)
		return res, nil
	}

	terms := lexical.QueryTerms(q.Text)
	ref := e.references(ctx, &q, terms)
	filter := e.recordFilter(st, &q, &ref)
	n := topK * max(e.cfg.Fusion.CandidateMultiplier, 1)

	semCh := make(chan semanticOutcome, 1)
	go func() {
		semCh <- e.semanticRanking(ctx, st, q.Text, n, filter)
	}()

	var rankings []Ranking
	lexIDs := []common.RecordID{}
	for _, h := range st.lexical.Snapshot().Search(terms, n, filter) {
		lexIDs = append(lexIDs, h.Record)
	}
	rankings = append(rankings, Ranking{Name: RankingLexical, Weight: e.cfg.Fusion.LexicalWeight, IDs: lexIDs})
	if !ref.empty() {
		rankings = append(rankings, Ranking{
			Name:   RankingEntity,
			Weight: e.cfg.Fusion.EntityWeight,
			IDs:    e.entityRanking(&ref, filter, n),
		})
	}

	select {
	case so := <-semCh:
		res.SemanticSkipped = so.skipped
		if !so.skipped {
			rankings = append(rankings, Ranking{Name: RankingSemantic, Weight: e.cfg.Fusion.SemanticWeight, IDs: so.ids})
		}
	case <-ctx.Done():
		res.SemanticSkipped = true
	}
	if ctx.Err() != nil {
		res.Partial = true
		res.PartialReason = common.ErrQueryTimeout.Error()
	}
	if res.SemanticSkipped {
		querySemanticSkipped.Inc()
	}

	fused := Fuse(e.cfg.Fusion.K, rankings...)
	// Citations are assembled even past the deadline so a partial ranking
	// is still returned with its evidence.
	cctx := context.WithoutCancel(ctx)
	res.Results = e.cite(cctx, st, fused, topK, terms, &ref)

	e.annotate(res, &q, ref.ids())
	res.Took = time.Since(start)

	outcome := "complete"
	if res.Partial {
		outcome = "partial"
	}
	queryLatency.WithLabelValues(outcome).Observe(res.Took.Seconds())
	e.auditQuery(cctx, &q, res)
	return res, nil
}

// annotate attaches the referenced entities, their edges and risk. Only
// entities with an occurrence in scope are reported, and edges and risk are
// derived from in-scope occurrences alone.
func (e *Engine) annotate(res *QueryResult, q *Query, ids []common.EntityID) {
	v := e.scopeView(q.Scope)
	var visible []common.EntityID
	for _, id := range ids {
		if !v.entityVisible(id) {
			continue
		}
		if ent, ok := e.registry.Get(id); ok {
			res.Entities = append(res.Entities, ent)
			visible = append(visible, id)
		}
	}
	if len(visible) == 0 {
		return
	}
	if q.IncludeGraph {
		if len(visible) == 1 {
			res.Edges = v.graph().Timeline(visible[0], q.Filters.From, q.Filters.To)
		} else {
			res.Edges = v.graph().EdgesAmong(visible)
		}
	}
	if q.IncludeRisk {
		at := q.Filters.To
		if at.IsZero() {
			at = e.now()
		}
		res.Risk = v.scorer().ScoreAll(visible, at)
	}
}

func (e *Engine) cite(ctx context.Context, st *state, fused []Fused, topK int, terms []string, ref *references) []common.CitedResult {
	wanted := make(map[common.EntityID]bool)
	for _, id := range ref.ids() {
		for _, m := range e.registry.Group(id) {
			wanted[m] = true
		}
	}
	types := make(map[common.EntityType]bool)
	for _, t := range ref.types {
		types[t] = true
	}

	out := make([]common.CitedResult, 0, min(topK, len(fused)))
	for _, f := range fused {
		if len(out) == topK {
			break
		}
		rec, err := e.store.Get(ctx, f.ID)
		if err != nil {
			// An unreadable or tampered record is never cited.
			logger.Error("[Query] Dropping result", "record", f.ID, "err", err)
			continue
		}

		var occs []common.Occurrence
		if len(wanted) > 0 || len(types) > 0 {
			for _, o := range e.registry.RecordOccurrences(rec.ID) {
				ent, _ := e.registry.Get(o.EntityID)
				if wanted[o.EntityID] || types[ent.Type] {
					occs = append(occs, o)
				}
			}
		}
		anchor := -1
		for _, o := range occs {
			if o.CharOffset >= 0 && (anchor < 0 || o.CharOffset < anchor) {
				anchor = o.CharOffset
			}
		}
		if anchor < 0 {
			anchor = max(firstMatch(rec.RawText, terms), 0)
		}

		out = append(out, common.CitedResult{
			RecordID:     rec.ID,
			SourceFile:   rec.SourceFile,
			Lines:        rec.Lines,
			Timestamp:    rec.Timestamp,
			Type:         rec.Type,
			Language:     st.language(rec.ID),
			Confidence:   f.Confidence,
			FusedScore:   f.Score,
			LexicalRank:  f.Ranks[RankingLexical],
			SemanticRank: f.Ranks[RankingSemantic],
			EntityRank:   f.Ranks[RankingEntity],
			Snippet:      snippet(rec.RawText, anchor, e.cfg.Query.SnippetRunes),
			Occurrences:  occs,
		})
	}
	return out
}

func (e *Engine) auditQuery(ctx context.Context, q *Query, res *QueryResult) {
	affected := make([]string, 0, len(res.Results))
	for _, r := range res.Results {
		affected = append(affected, string(r.RecordID))
	}
	_, err := e.audit.Append(ctx, audit.ActorFrom(ctx), audit.OpQuery, affected, map[string]string{
		"text":       q.Text,
		"generation": strconv.FormatUint(res.Generation, 10),
		"results":    strconv.Itoa(len(res.Results)),
		"partial":    strconv.FormatBool(res.Partial),
	})
	if err != nil {
		logger.Error("[Audit] Failed to record query", "err", err)
	}
}
