// Package badger is the embedded, durable record store used by the CLI. It
// also persists the audit chain and cached embeddings in the same database.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"sync"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"
	"github.com/casetrace/backend/pkg/store"

	"github.com/dgraph-io/badger/v4"
)

const (
	recordPrefix = "rec/"
	auditPrefix  = "aud/"
	vectorPrefix = "vec/"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often the value log is garbage collected. Zero
	// disables collection.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Now            func() time.Time
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {}

// BadgerRecordStore implements store.RecordStore, audit.Sink and
// store.VectorCache on a single badger database.
type BadgerRecordStore struct {
	db   *badger.DB
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

var (
	_ store.RecordStore = (*BadgerRecordStore)(nil)
	_ store.VectorCache = (*BadgerRecordStore)(nil)
	_ audit.Sink        = (*BadgerRecordStore)(nil)
)

func Open(cfg Config) (*BadgerRecordStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &BadgerRecordStore{db: db, now: now, stop: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.wg.Add(1)
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerRecordStore) runGC(interval time.Duration, ratio float64) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

func recordKey(id common.RecordID) []byte {
	return []byte(recordPrefix + string(id))
}

var conflictBackoff = util.Backoff{
	MaxTries:   8,
	Initial:    time.Millisecond,
	Max:        50 * time.Millisecond,
	Multiplier: 2,
	Jitter:     0.5,
}

type putOutcome struct {
	rec    common.Record
	status store.PutStatus
}

func (s *BadgerRecordStore) Put(ctx context.Context, rec common.Record) (common.Record, store.PutStatus, error) {
	rec, err := store.Prepare(rec)
	if err != nil {
		return common.Record{}, 0, err
	}

	// Concurrent identical puts race on the same key; the losers see
	// ErrConflict and read the winner's record on retry.
	notConflict := func(err error) bool { return !errors.Is(err, badger.ErrConflict) }
	out, err := util.RetryWithBackoff(ctx, conflictBackoff, notConflict, func(ctx context.Context) (putOutcome, error) {
		var out putOutcome
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(recordKey(rec.ID))
			switch {
			case err == nil:
				existing, err := decodeRecord(item)
				if err != nil {
					return err
				}
				out = putOutcome{rec: existing, status: store.Duplicate}
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			stored := rec
			stored.IngestedAt = s.now().UTC()
			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			out = putOutcome{rec: stored, status: store.Stored}
			return txn.Set(recordKey(rec.ID), data)
		})
		return out, err
	})
	if err != nil {
		return common.Record{}, 0, fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return out.rec, out.status, nil
}

func decodeRecord(item *badger.Item) (common.Record, error) {
	var rec common.Record
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (s *BadgerRecordStore) Get(ctx context.Context, id common.RecordID) (common.Record, error) {
	if err := ctx.Err(); err != nil {
		return common.Record{}, err
	}
	var rec common.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		rec, err = decodeRecord(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return common.Record{}, fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return common.Record{}, err
	}
	if err := store.VerifyID(rec); err != nil {
		return common.Record{}, err
	}
	return rec, nil
}

// Scan walks records in key order, which is record ID order.
func (s *BadgerRecordStore) Scan(ctx context.Context, filter store.Filter) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(recordPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec, err := decodeRecord(it.Item())
				if err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				if !filter.Match(&rec) {
					continue
				}
				if !yield(rec, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(common.Record{}, err)
		}
	}
}

func (s *BadgerRecordStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerRecordStore) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}

func auditKey(seq uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", auditPrefix, seq)
}

// AppendEntry refuses to overwrite an existing sequence number.
func (s *BadgerRecordStore) AppendEntry(ctx context.Context, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := auditKey(e.Seq)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("audit entry %d already exists", e.Seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerRecordStore) LoadEntries(ctx context.Context) ([]audit.Entry, error) {
	var entries []audit.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e audit.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func vectorKey(id common.RecordID, model string) []byte {
	return []byte(vectorPrefix + model + "/" + string(id))
}

func (s *BadgerRecordStore) LoadVector(ctx context.Context, id common.RecordID, model string) ([]float32, bool, error) {
	var vec []float32
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(id, model))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec = decodeVector(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (s *BadgerRecordStore) SaveVector(ctx context.Context, id common.RecordID, model string, vec []float32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(vectorKey(id, model), encodeVector(vec))
	})
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
