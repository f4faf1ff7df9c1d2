package memory

import (
	"context"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/store"
	"github.com/casetrace/backend/pkg/store/storetest"
)

func TestMemoryRecordStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.RecordStore {
		return NewMemoryRecordStore(NewMemoryRecordStoreParams{Shards: 4})
	})
}

func TestIngestedAtUsesClock(t *testing.T) {
	pinned := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewMemoryRecordStore(NewMemoryRecordStoreParams{Now: func() time.Time { return pinned }})

	rec, _, err := s.Put(context.Background(), storetest.SampleRecord("hello", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !rec.IngestedAt.Equal(pinned) {
		t.Fatalf("expected ingested_at %v, got %v", pinned, rec.IngestedAt)
	}
}
