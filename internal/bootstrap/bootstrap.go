// Package bootstrap builds a ready engine from configuration for the server
// and the CLI.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/casetrace/backend/internal/storage"
	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/engine"
	"github.com/casetrace/backend/pkg/leaselock"
	"github.com/casetrace/backend/pkg/logger"
	"github.com/casetrace/backend/pkg/logger/console"
	"github.com/casetrace/backend/pkg/store"
	"github.com/casetrace/backend/pkg/store/badger"
	"github.com/casetrace/backend/pkg/store/memory"
	"github.com/casetrace/backend/pkg/store/pgx"
)

// InitLogger registers the console backend.
func InitLogger(cfg config.Config) {
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Server.Debug,
		JSON:   cfg.Server.JSONLogs,
		Output: os.Stderr,
	}))
}

type backend struct {
	records store.RecordStore
	vectors store.VectorCache
	sink    audit.Sink
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Store.Backend {
	case "memory":
		return backend{records: memory.NewMemoryRecordStore(memory.NewMemoryRecordStoreParams{Shards: cfg.Store.Shards})}, nil
	case "badger":
		db, err := badger.Open(badger.DefaultConfig(cfg.Store.Path))
		if err != nil {
			return backend{}, err
		}
		return backend{records: db, vectors: db, sink: db}, nil
	case "postgres":
		pg, err := pgx.NewPgRecordStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		if err := pg.AcquireWriter(ctx, leaselock.Options{TTL: time.Minute, Holder: "writer"}); err != nil {
			pg.Close()
			return backend{}, err
		}
		return backend{records: pg, vectors: pg, sink: pg.AuditSink()}, nil
	}
	return backend{}, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// OpenEngine opens the configured store, restores and verifies the audit
// chain and derives the indexes from the stored records. fetcher may be
// nil when attachments never reference object storage.
func OpenEngine(ctx context.Context, cfg config.Config, fetcher engine.AttachmentFetcher) (*engine.Engine, error) {
	providers, err := engine.NewProviders(cfg)
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}

	log := audit.NewLog(audit.NewLogParams{SigningKey: []byte(cfg.Audit.SigningKey), Sink: b.sink})
	if err := log.Restore(ctx); err != nil {
		b.records.Close()
		return nil, fmt.Errorf("failed to restore audit chain: %w", err)
	}

	eng, err := engine.NewEngine(engine.NewEngineParams{
		Config:   cfg,
		Store:    b.records,
		Vectors:  b.vectors,
		Audit:    log,
		Embedder: providers.Embedder,
		Detector: providers.Detector,
		Fetcher:  fetcher,
	})
	if err != nil {
		b.records.Close()
		return nil, err
	}

	if n, err := b.records.Count(ctx); err == nil && n > 0 {
		if err := eng.Rebuild(audit.WithActor(ctx, "system")); err != nil {
			eng.Close()
			return nil, fmt.Errorf("failed to rebuild indexes: %w", err)
		}
	}
	logger.Info("[Engine] Ready", "store", cfg.Store.Backend, "embedding", cfg.Embedding.Provider, "records", eng.Stats().Records)
	return eng, nil
}

// NewFetcher returns an object storage fetcher for attachment OCR text, or
// nil when AWS_BUCKET is unset.
func NewFetcher(ctx context.Context) (engine.AttachmentFetcher, error) {
	bucket := util.GetEnv("AWS_BUCKET")
	if bucket == "" {
		return nil, nil
	}
	client, err := storage.NewS3Client(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Fetcher(client, bucket), nil
}
