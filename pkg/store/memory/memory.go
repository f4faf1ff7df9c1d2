package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/store"
)

const defaultShards = 64

type shard struct {
	mu      sync.RWMutex
	records map[common.RecordID]common.Record
}

// MemoryRecordStore keeps records in process memory, sharded by ID.
type MemoryRecordStore struct {
	shards []*shard
	now    func() time.Time
}

// NewMemoryRecordStoreParams configures a MemoryRecordStore.
type NewMemoryRecordStoreParams struct {
	Shards int
	// Now is used for IngestedAt; tests may pin it.
	Now func() time.Time
}

func NewMemoryRecordStore(params NewMemoryRecordStoreParams) *MemoryRecordStore {
	n := params.Shards
	if n <= 0 {
		n = defaultShards
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{records: make(map[common.RecordID]common.Record)}
	}
	return &MemoryRecordStore{shards: shards, now: now}
}

func (s *MemoryRecordStore) shardFor(id common.RecordID) *shard {
	return s.shards[store.ShardFor(id, len(s.shards))]
}

func (s *MemoryRecordStore) Put(ctx context.Context, rec common.Record) (common.Record, store.PutStatus, error) {
	if err := ctx.Err(); err != nil {
		return common.Record{}, 0, err
	}
	rec, err := store.Prepare(rec)
	if err != nil {
		return common.Record{}, 0, err
	}

	sh := s.shardFor(rec.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[rec.ID]; ok {
		return existing, store.Duplicate, nil
	}
	rec.IngestedAt = s.now().UTC()
	sh.records[rec.ID] = rec
	return rec, store.Stored, nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, id common.RecordID) (common.Record, error) {
	if err := ctx.Err(); err != nil {
		return common.Record{}, err
	}
	sh := s.shardFor(id)
	sh.mu.RLock()
	rec, ok := sh.records[id]
	sh.mu.RUnlock()
	if !ok {
		return common.Record{}, fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	if err := store.VerifyID(rec); err != nil {
		return common.Record{}, err
	}
	return rec, nil
}

// Scan yields records in ID order so rebuilds are reproducible.
func (s *MemoryRecordStore) Scan(ctx context.Context, filter store.Filter) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		var ids []common.RecordID
		for _, sh := range s.shards {
			sh.mu.RLock()
			for id, rec := range sh.records {
				if filter.Match(&rec) {
					ids = append(ids, id)
				}
			}
			sh.mu.RUnlock()
		}
		slices.Sort(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(common.Record{}, err)
				return
			}
			sh := s.shardFor(id)
			sh.mu.RLock()
			rec := sh.records[id]
			sh.mu.RUnlock()
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemoryRecordStore) Count(ctx context.Context) (int, error) {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.records)
		sh.mu.RUnlock()
	}
	return total, nil
}

func (s *MemoryRecordStore) Close() error { return nil }
