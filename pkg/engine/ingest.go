package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/index/lexical"
	"github.com/casetrace/backend/pkg/logger"
	"github.com/casetrace/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

// ParentRecordField names the identifier field linking an attachment
// record to the record that carried it.
const (
	ParentRecordField = "parent_record"
	AttachmentField   = "attachment"
)

type embedJob struct {
	st   *state
	id   common.RecordID
	text string
}

// Ingest stores a batch of records and indexes everything that was newly
// stored. Each item gets a result; attachments get their own results after
// the record that carried them. Records are never silently dropped: every
// failure is reported as Rejected with a reason. The returned error is only
// set when ctx ends before the batch was processed.
func (e *Engine) Ingest(ctx context.Context, actor string, items []common.IngestItem) ([]common.IngestResult, error) {
	start := time.Now()
	ctx = audit.WithActor(ctx, actor)
	perItem := make([][]common.IngestResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Ingest.Workers)
	for i := range items {
		g.Go(func() error {
			perItem[i] = e.ingestItem(gctx, i, &items[i])
			return gctx.Err()
		})
	}
	err := g.Wait()

	st := e.state.Load()
	st.lexical.Publish()

	var out []common.IngestResult
	for _, rs := range perItem {
		out = append(out, rs...)
	}
	if err != nil {
		return out, err
	}
	logger.Info("[Ingest] Processed batch", "items", len(items), "results", len(out), "duration", time.Since(start))
	return out, nil
}

func (e *Engine) ingestItem(ctx context.Context, index int, item *common.IngestItem) []common.IngestResult {
	res := e.ingestRecord(ctx, index, item.Record)
	out := []common.IngestResult{res}

	for _, att := range item.Attachments {
		r := common.IngestResult{Index: index, Attachment: att.Name, Status: common.IngestRejected}
		if res.Status == common.IngestRejected {
			r.Reason = "parent record rejected"
			e.submitted.Add(1)
			e.countStatus(r.Status)
			out = append(out, r)
			continue
		}
		rec, err := e.attachmentRecord(ctx, item.Record, res.RecordID, att)
		if err != nil {
			r.Reason = err.Error()
			e.submitted.Add(1)
			e.countStatus(r.Status)
			out = append(out, r)
			continue
		}
		ar := e.ingestRecord(ctx, index, rec)
		ar.Attachment = att.Name
		out = append(out, ar)
	}
	return out
}

// attachmentRecord turns the OCR text of an attachment into a file record
// sharing its parent's provenance.
func (e *Engine) attachmentRecord(ctx context.Context, parent common.Record, parentID common.RecordID, att common.Attachment) (common.Record, error) {
	text := att.OCRText
	if strings.TrimSpace(text) == "" && att.ObjectKey != "" {
		if e.fetcher == nil {
			return common.Record{}, fmt.Errorf("attachment %q: no object storage configured", att.Name)
		}
		fetched, err := util.RetryWithBackoff(ctx, e.cfg.Ingest.Backoff(), nil, func(ctx context.Context) (string, error) {
			return e.fetcher.FetchText(ctx, att.ObjectKey)
		})
		if err != nil {
			return common.Record{}, fmt.Errorf("attachment %q: failed to fetch OCR text: %w", att.Name, err)
		}
		text = fetched
	}
	if strings.TrimSpace(text) == "" {
		return common.Record{}, fmt.Errorf("attachment %q has no OCR text", att.Name)
	}

	fields := map[string]common.FieldValue{
		ParentRecordField: common.IdentifierField(string(parentID)),
	}
	if att.Name != "" {
		fields[AttachmentField] = common.TextField(att.Name)
	}
	return common.Record{
		SourceFile: parent.SourceFile,
		Lines:      parent.Lines,
		Timestamp:  parent.Timestamp,
		Type:       common.RecordFile,
		RawText:    text,
		Fields:     fields,
	}, nil
}

func (e *Engine) ingestRecord(ctx context.Context, index int, rec common.Record) common.IngestResult {
	e.submitted.Add(1)
	res := common.IngestResult{Index: index, Status: common.IngestRejected}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	put, err := util.RetryWithBackoff(ctx, e.cfg.Ingest.Backoff(), common.IsValidation, func(ctx context.Context) (storedRecord, error) {
		r, s, err := e.store.Put(ctx, rec)
		return storedRecord{r, s}, err
	})
	if err != nil {
		res.Reason = err.Error()
		if !common.IsValidation(err) {
			logger.Error("[Ingest] Failed to store record", "index", index, "source_file", rec.SourceFile, "err", err)
		}
		e.countStatus(res.Status)
		return res
	}
	stored := put.rec
	res.RecordID = stored.ID

	if put.status == store.Duplicate {
		res.Status = common.IngestDuplicate
		e.countStatus(res.Status)
		return res
	}

	st := e.state.Load()
	if err := e.derive(ctx, st, &stored); err != nil {
		// The record is durable; the next rebuild indexes it.
		logger.Error("[Ingest] Failed to index record", "record", stored.ID, "err", err)
	} else if err := e.enqueueEmbedding(ctx, st, &stored); err != nil {
		logger.Warn("[Ingest] Embedding not queued", "record", stored.ID, "err", err)
	}
	res.Status = common.IngestStored
	e.countStatus(res.Status)
	return res
}

type storedRecord struct {
	rec    common.Record
	status store.PutStatus
}

func (e *Engine) countStatus(s common.IngestStatus) {
	switch s {
	case common.IngestStored:
		e.stored.Add(1)
	case common.IngestDuplicate:
		e.duplicate.Add(1)
	case common.IngestRejected:
		e.rejected.Add(1)
	}
	ingestRecords.WithLabelValues(string(s)).Inc()
}

// enqueueEmbedding schedules rec for embedding into st. Vectors already
// kept in the vector cache are indexed directly.
func (e *Engine) enqueueEmbedding(ctx context.Context, st *state, rec *common.Record) error {
	if e.embedder == nil {
		return nil
	}
	text := util.CleanText(lexical.DocumentText(rec))
	if e.vectors != nil {
		vec, ok, err := e.vectors.LoadVector(ctx, rec.ID, e.embedder.ModelVersion())
		if err != nil {
			logger.Warn("[Ingest] Vector cache lookup failed", "record", rec.ID, "err", err)
		}
		if ok {
			if _, err := st.semantic.Index(rec.ID, vec, e.embedder.ModelVersion()); err == nil {
				embeddings.WithLabelValues("cached").Inc()
				return nil
			}
		}
	}

	e.embedPending.Add(1)
	embedQueueDepth.Inc()
	select {
	case e.embedQueue <- embedJob{st: st, id: rec.ID, text: text}:
		return nil
	case <-ctx.Done():
		e.embedPending.Add(-1)
		embedQueueDepth.Dec()
		e.markFailed(rec.ID)
		return ctx.Err()
	}
}

func (e *Engine) embedWorker() {
	defer e.embedWG.Done()
	for job := range e.embedQueue {
		e.embed(job)
		embedQueueDepth.Dec()
		idle := e.embedPending.Add(-1) == 0
		if idle || e.unpublished.Add(1) >= int64(e.cfg.Semantic.PublishEvery) {
			e.unpublished.Store(0)
			job.st.semantic.Publish()
		}
	}
}

func (e *Engine) embed(job embedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Embedding.Timeout)
	defer cancel()

	model := e.embedder.ModelVersion()
	vec, err := e.embedder.Embed(ctx, job.text)
	if err == nil {
		_, err = job.st.semantic.Index(job.id, vec, model)
	}
	if err != nil {
		// Lexical retrieval still covers the record.
		logger.Warn("[Ingest] Embedding failed", "record", job.id, "err", err)
		e.embedFailed.Add(1)
		embeddings.WithLabelValues("failed").Inc()
		e.markFailed(job.id)
		return
	}
	e.embedded.Add(1)
	embeddings.WithLabelValues("embedded").Inc()
	e.failedMu.Lock()
	delete(e.failed, job.id)
	e.failedMu.Unlock()

	if e.vectors != nil {
		if err := e.vectors.SaveVector(ctx, job.id, model, vec); err != nil {
			logger.Warn("[Ingest] Failed to cache vector", "record", job.id, "err", err)
		}
	}
}

func (e *Engine) markFailed(id common.RecordID) {
	e.failedMu.Lock()
	e.failed[id] = struct{}{}
	e.failedMu.Unlock()
}

// FailedEmbeddings returns the records that are only lexically indexed
// because their embedding failed.
func (e *Engine) FailedEmbeddings() []common.RecordID {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	out := make([]common.RecordID, 0, len(e.failed))
	for id := range e.failed {
		out = append(out, id)
	}
	return out
}

// RetryEmbeddings queues every failed record for embedding again.
func (e *Engine) RetryEmbeddings(ctx context.Context) (int, error) {
	st := e.state.Load()
	n := 0
	for _, id := range e.FailedEmbeddings() {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return n, err
		}
		if err := e.enqueueEmbedding(ctx, st, &rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// WaitEmbeddings blocks until the embedding queue is empty and the
// semantic index is published, or ctx ends.
func (e *Engine) WaitEmbeddings(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for e.embedPending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	e.state.Load().semantic.Publish()
	return nil
}
