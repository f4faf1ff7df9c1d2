package badger

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/store"
	"github.com/casetrace/backend/pkg/store/storetest"
)

func openInMemory(t *testing.T) *BadgerRecordStore {
	t.Helper()
	s, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerRecordStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.RecordStore {
		return openInMemory(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for missing path, got nil")
	}
}

func TestReopenKeepsRecordsAndChain(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := []byte("k")

	s, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	log := audit.NewLog(audit.NewLogParams{SigningKey: key, Sink: s})
	audited := store.WithAudit(s, log)
	rec, _, err := audited.Put(ctx, storetest.SampleRecord("wallet handoff", time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s, err = Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if got.RawText != rec.RawText {
		t.Fatalf("expected %q, got %q", rec.RawText, got.RawText)
	}

	restored := audit.NewLog(audit.NewLogParams{SigningKey: key, Sink: s})
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	entries := restored.List(audit.Query{Operation: audit.OpRecordPut})
	if len(entries) != 1 || entries[0].AffectedIDs[0] != string(rec.ID) {
		t.Fatalf("expected one put entry for %s, got %+v", rec.ID, entries)
	}
}

func TestAppendEntryRejectsOverwrite(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()
	if err := s.AppendEntry(ctx, audit.Entry{Seq: 1, Hash: "a"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AppendEntry(ctx, audit.Entry{Seq: 1, Hash: "b"}); err == nil {
		t.Fatal("expected overwrite to fail, got nil")
	}
}

func TestVectorCache(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()
	vec := []float32{0.25, -1, 3.5}

	if _, ok, err := s.LoadVector(ctx, "rec_a", "m1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := s.SaveVector(ctx, "rec_a", "m1", vec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, ok, err := s.LoadVector(ctx, "rec_a", "m1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, vec) {
		t.Fatalf("expected %v, got %v", vec, got)
	}
	if _, ok, _ := s.LoadVector(ctx, "rec_a", "m2"); ok {
		t.Fatal("expected other model version to miss")
	}
}
