package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/engine"
)

func TestOpenEngineRebuildsFromBadger(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "badger"
	cfg.Store.Path = t.TempDir()
	cfg.Audit.SigningKey = "test-key"
	cfg.Embedding.Dimensions = 32

	ctx := context.Background()
	eng, err := OpenEngine(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("expected engine, got %v", err)
	}
	results, err := eng.Ingest(ctx, "tester", []common.IngestItem{{Record: common.Record{
		SourceFile: "chat.txt",
		Lines:      common.LineRange{Start: 1, End: 1},
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:       common.RecordMessage,
		RawText:    "meet at the harbor",
	}}})
	if err != nil || results[0].Status != common.IngestStored {
		t.Fatalf("expected stored record, got %v %v", results, err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := eng.WaitEmbeddings(wctx); err != nil {
		t.Fatalf("expected embeddings to drain, got %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}

	reopened, err := OpenEngine(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("expected reopened engine, got %v", err)
	}
	defer reopened.Close()

	res, err := reopened.Query(ctx, engine.Query{Text: "harbor", Scope: common.AllowAll()})
	if err != nil {
		t.Fatalf("expected query to succeed, got %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].RecordID != results[0].RecordID {
		t.Fatalf("expected the stored record after reopening, got %v", res.Results)
	}
	if err := reopened.Audit().Verify(); err != nil {
		t.Fatalf("expected the restored chain to verify, got %v", err)
	}
}

func TestOpenEngineRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Provider = "nope"
	if _, err := OpenEngine(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected an error for an unknown provider")
	}
}
