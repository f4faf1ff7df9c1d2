package store

import (
	"context"
	"iter"
	"sync"

	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"
)

// AuditedStore appends a chain-of-custody entry for every newly stored
// record. Duplicates are not audited since nothing changed.
//
// A record whose audit append failed stays marked as unaudited. Putting it
// again reports Stored instead of Duplicate and retries the append, so a
// retried put is audited and indexed like a first one.
type AuditedStore struct {
	inner     RecordStore
	log       *audit.Log
	unaudited sync.Map // common.RecordID -> struct{}
}

func WithAudit(inner RecordStore, log *audit.Log) *AuditedStore {
	return &AuditedStore{inner: inner, log: log}
}

func (s *AuditedStore) Put(ctx context.Context, rec common.Record) (common.Record, PutStatus, error) {
	stored, status, err := s.inner.Put(ctx, rec)
	if err != nil {
		return stored, status, err
	}
	if status == Duplicate {
		if _, retry := s.unaudited.LoadAndDelete(stored.ID); !retry {
			return stored, status, nil
		}
		status = Stored
	}
	_, err = s.log.Append(ctx, audit.ActorFrom(ctx), audit.OpRecordPut, []string{string(stored.ID)}, map[string]string{
		"source_file": stored.SourceFile,
		"type":        string(stored.Type),
	})
	if err != nil {
		// The record is durable; a missing audit entry must be visible.
		logger.Error("[Audit] Failed to record put", "record", stored.ID, "err", err)
		s.unaudited.Store(stored.ID, struct{}{})
		return stored, status, err
	}
	return stored, status, nil
}

func (s *AuditedStore) Get(ctx context.Context, id common.RecordID) (common.Record, error) {
	return s.inner.Get(ctx, id)
}

func (s *AuditedStore) Scan(ctx context.Context, filter Filter) iter.Seq2[common.Record, error] {
	return s.inner.Scan(ctx, filter)
}

func (s *AuditedStore) Count(ctx context.Context) (int, error) {
	return s.inner.Count(ctx)
}

func (s *AuditedStore) Close() error {
	return s.inner.Close()
}
