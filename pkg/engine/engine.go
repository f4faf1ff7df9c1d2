// Package engine wires the record store, the indexes, entity resolution, the
// relationship graph and risk scoring into one retrieval engine.
//
// All derived state can be rebuilt from the record store. The lexical and
// semantic indexes live in a versioned state value behind an atomic
// pointer; queries load it once and never observe a half-built index.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/ai"
	"github.com/casetrace/backend/pkg/anomaly"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/entity"
	"github.com/casetrace/backend/pkg/graph"
	"github.com/casetrace/backend/pkg/index/lexical"
	"github.com/casetrace/backend/pkg/index/semantic"
	"github.com/casetrace/backend/pkg/logger"
	"github.com/casetrace/backend/pkg/store"
)

// AttachmentFetcher loads the OCR text of an attachment kept in object
// storage.
type AttachmentFetcher interface {
	FetchText(ctx context.Context, key string) (string, error)
}

// state is one generation of the derived indexes.
type state struct {
	generation uint64
	lexical    *lexical.Index
	semantic   *semantic.Index

	mu    sync.RWMutex
	docs  map[common.RecordID]common.Record // metadata only, no text
	langs map[common.RecordID]string
}

func (s *state) addDoc(rec *common.Record) {
	meta := common.Record{
		ID:         rec.ID,
		SourceFile: rec.SourceFile,
		Lines:      rec.Lines,
		Timestamp:  rec.Timestamp,
		Type:       rec.Type,
	}
	lang := detectLanguage(rec.RawText)
	s.mu.Lock()
	s.docs[rec.ID] = meta
	if lang != "" {
		s.langs[rec.ID] = lang
	}
	s.mu.Unlock()
}

func (s *state) doc(id common.RecordID) (common.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok
}

// language returns the detected language of a record, "" when unknown.
func (s *state) language(id common.RecordID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.langs[id]
}

type Engine struct {
	cfg      config.Config
	store    store.RecordStore
	vectors  store.VectorCache
	audit    *audit.Log
	embedder ai.Embedder
	fetcher  AttachmentFetcher
	now      func() time.Time

	extractor *entity.Extractor
	registry  *entity.Registry
	graph     *graph.Graph
	scorer    *anomaly.Scorer

	// stateMu is held shared while a record is stored and indexed and
	// exclusively by Rebuild, so no record falls between two generations.
	stateMu sync.RWMutex
	state   atomic.Pointer[state]
	gen     atomic.Uint64

	embedQueue   chan embedJob
	embedPending atomic.Int64
	unpublished  atomic.Int64
	embedWG      sync.WaitGroup
	failedMu     sync.Mutex
	failed       map[common.RecordID]struct{}
	closeOnce    sync.Once

	submitted, stored, duplicate, rejected atomic.Int64
	embedded, embedFailed                  atomic.Int64
}

// NewEngineParams configures an Engine. Store is required. Without an
// Embedder the engine answers queries from the lexical and entity rankings
// only. Without an Audit log a new one is created from the configured
// signing key.
type NewEngineParams struct {
	Config   config.Config
	Store    store.RecordStore
	Vectors  store.VectorCache
	Audit    *audit.Log
	Embedder ai.Embedder
	Detector entity.Detector
	Fetcher  AttachmentFetcher
	Now      func() time.Time
}

func NewEngine(params NewEngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, errors.New("engine requires a record store")
	}
	cfg := params.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	log := params.Audit
	if log == nil {
		log = audit.NewLog(audit.NewLogParams{SigningKey: []byte(cfg.Audit.SigningKey), Now: now})
	}

	e := &Engine{
		cfg:        cfg,
		store:      store.WithAudit(params.Store, log),
		vectors:    params.Vectors,
		audit:      log,
		embedder:   params.Embedder,
		fetcher:    params.Fetcher,
		now:        now,
		extractor:  entity.NewExtractor(params.Detector),
		embedQueue: make(chan embedJob, cfg.Ingest.EmbedQueueSize),
		failed:     make(map[common.RecordID]struct{}),
	}
	e.registry = entity.NewRegistry(entity.NewRegistryParams{
		NearMissMaxDistance:  cfg.Resolution.NearMissMaxDistance,
		CountryCodeMaxDigits: cfg.Resolution.CountryCodeMaxDigits,
		MinConfidence:        cfg.Resolution.MinConfidence,
		Audit:                log,
		Now:                  now,
	})
	e.graph = graph.NewGraph(graph.NewGraphParams{
		CountScale:      cfg.Graph.CountScale,
		RecencyHalfLife: cfg.Graph.RecencyHalfLife,
		Canonicalizer:   e.registry,
		Audit:           log,
	})
	e.scorer = anomaly.NewScorer(anomaly.NewScorerParams{
		Config:   cfg.Anomaly,
		Entities: e.registry,
		Links:    e.graph,
	})
	e.state.Store(e.newState())

	if e.embedder != nil {
		for range cfg.Ingest.EmbedWorkers {
			e.embedWG.Add(1)
			go e.embedWorker()
		}
	}
	return e, nil
}

func (e *Engine) newState() *state {
	st := &state{
		generation: e.gen.Add(1),
		lexical: lexical.New(lexical.Params{
			K1:     e.cfg.Lexical.K1,
			B:      e.cfg.Lexical.B,
			Shards: e.cfg.Lexical.Shards,
		}),
		semantic: semantic.New(e.cfg.Semantic.Shards),
		docs:     make(map[common.RecordID]common.Record),
		langs:    make(map[common.RecordID]string),
	}
	if e.embedder != nil {
		st.semantic.SetModelVersion(e.embedder.ModelVersion())
	}
	indexGeneration.Set(float64(st.generation))
	return st
}

// Close stops the embedding workers and closes the record store. Jobs
// still queued are finished first.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.embedQueue)
	})
	e.embedWG.Wait()
	return e.store.Close()
}

func (e *Engine) Store() store.RecordStore  { return e.store }
func (e *Engine) Audit() *audit.Log         { return e.audit }
func (e *Engine) Registry() *entity.Registry { return e.registry }
func (e *Engine) Graph() *graph.Graph       { return e.graph }
func (e *Engine) Scorer() *anomaly.Scorer   { return e.scorer }
func (e *Engine) Config() config.Config     { return e.cfg }

// Generation returns the generation of the indexes queries currently read.
func (e *Engine) Generation() uint64 {
	return e.state.Load().generation
}

// Get returns a stored record if the caller's scope admits it.
func (e *Engine) Get(ctx context.Context, id common.RecordID, scope common.Scope) (common.Record, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return common.Record{}, err
	}
	if !scope.Allows(&rec) {
		return common.Record{}, common.ErrNotFound
	}
	return rec, nil
}

// derive indexes a stored record into st and updates the entity registry
// and the graph. Extraction failures degrade to field detections only.
func (e *Engine) derive(ctx context.Context, st *state, rec *common.Record) error {
	st.addDoc(rec)
	st.lexical.Index(rec)

	detections, err := e.extractor.Extract(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("[Ingest] Entity detection degraded", "record", rec.ID, "err", err)
	}
	resolutions, err := e.registry.Resolve(ctx, rec, detections)
	if err != nil {
		return fmt.Errorf("failed to resolve entities of %s: %w", rec.ID, err)
	}
	occs := make([]common.Occurrence, 0, len(resolutions))
	for _, r := range resolutions {
		occs = append(occs, r.Occurrence)
	}
	if _, err := e.graph.LinkRecord(ctx, rec, occs); err != nil {
		return fmt.Errorf("failed to link entities of %s: %w", rec.ID, err)
	}
	return nil
}

// Rebuild constructs a fresh index generation from the record store and
// swaps it in. Entities and edges are re-derived idempotently; nothing
// re-derived is audited again.
func (e *Engine) Rebuild(ctx context.Context) error {
	start := time.Now()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	st := e.newState()
	replay := audit.WithReplay(ctx)
	n := 0
	for rec, err := range e.store.Scan(ctx, store.Filter{}) {
		if err != nil {
			return fmt.Errorf("rebuild aborted after %d records: %w", n, err)
		}
		if err := e.derive(replay, st, &rec); err != nil {
			return err
		}
		if err := e.enqueueEmbedding(ctx, st, &rec); err != nil {
			return err
		}
		n++
	}
	st.lexical.Publish()
	st.semantic.Publish()
	e.state.Store(st)
	rebuilds.Inc()
	decisions := e.replayDecisions()

	_, err := e.audit.Append(ctx, audit.ActorFrom(ctx), audit.OpIndexRebuild, nil, map[string]string{
		"generation": strconv.FormatUint(st.generation, 10),
		"records":    strconv.Itoa(n),
	})
	if err != nil {
		logger.Error("[Index] Failed to audit rebuild", "err", err)
	}
	logger.Info("[Index] Rebuilt indexes", "generation", st.generation, "records", n, "merge_decisions", decisions, "duration", time.Since(start))
	return nil
}

// replayDecisions reapplies the merge decisions kept in the audit chain so
// analysts never review the same pair twice. Decisions are applied in chain
// order; entities not derived yet are skipped.
func (e *Engine) replayDecisions() int {
	n := 0
	for _, entry := range e.audit.List(audit.Query{}) {
		d, ok := entity.DecisionFromEntry(entry)
		if !ok {
			continue
		}
		if e.registry.ApplyDecision(d) {
			n++
		}
	}
	return n
}

// CheckIndexes verifies the lexical index checksums and rebuilds from the
// store when they do not match.
func (e *Engine) CheckIndexes(ctx context.Context) error {
	err := e.state.Load().lexical.Verify()
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrIndexCorruption) {
		return err
	}
	logger.Error("[Index] Corruption detected, rebuilding", "err", err)
	return e.Rebuild(ctx)
}

// Maintain runs one maintenance pass: it verifies the lexical index and
// rebuilds on corruption, requeues failed embeddings and publishes vectors
// embedded since the last publish.
func (e *Engine) Maintain(ctx context.Context) error {
	if err := e.CheckIndexes(ctx); err != nil {
		return fmt.Errorf("index check failed: %w", err)
	}
	n, err := e.RetryEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("embedding retry failed: %w", err)
	}
	if n > 0 {
		logger.Info("[Index] Requeued failed embeddings", "records", n)
	}
	e.state.Load().semantic.Publish()
	return nil
}

// RunMaintenance calls Maintain every interval until ctx ends.
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Maintain(ctx); err != nil {
				logger.Error("[Index] Maintenance failed", "err", err)
			}
		}
	}
}

// Stats summarizes the engine for health and CLI output.
type Stats struct {
	Generation        uint64              `json:"generation"`
	Records           int                 `json:"records"`
	Vectors           int                 `json:"vectors"`
	Entities          int                 `json:"entities"`
	Edges             int                 `json:"edges"`
	PendingCandidates int                 `json:"pending_candidates"`
	AuditEntries      int                 `json:"audit_entries"`
	EmbeddingModel    string              `json:"embedding_model,omitempty"`
	EmbeddingState    string              `json:"embedding_state,omitempty"`
	Ingest            util.IngestCounts   `json:"ingest"`
	Progress          util.IngestProgress `json:"progress"`
}

func (e *Engine) Stats() Stats {
	st := e.state.Load()
	counts := util.IngestCounts{
		Submitted:    e.submitted.Load(),
		Stored:       e.stored.Load(),
		Duplicate:    e.duplicate.Load(),
		Rejected:     e.rejected.Load(),
		EmbedPending: e.embedPending.Load(),
		Embedded:     e.embedded.Load(),
		EmbedFailed:  e.embedFailed.Load(),
	}
	s := Stats{
		Generation:        st.generation,
		Records:           st.lexical.Snapshot().Len(),
		Vectors:           st.semantic.Snapshot().Len(),
		Entities:          e.registry.Len(),
		Edges:             e.graph.Len(),
		PendingCandidates: len(e.registry.Candidates(entity.CandidatePending)),
		AuditEntries:      e.audit.Len(),
		Ingest:            counts,
		Progress:          util.BuildIngestProgress(counts),
	}
	if e.embedder != nil {
		s.EmbeddingModel = e.embedder.ModelVersion()
		if g, ok := e.embedder.(*ai.GuardedEmbedder); ok {
			s.EmbeddingState = g.State()
		}
	}
	return s
}
