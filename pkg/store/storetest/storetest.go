// Package storetest holds the behaviour every RecordStore backend must show.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/store"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.RecordStore

func SampleRecord(text string, ts time.Time) common.Record {
	return common.Record{
		SourceFile: "extraction/chats/whatsapp.txt",
		Lines:      common.LineRange{Start: 10, End: 12},
		Timestamp:  ts,
		Type:       common.RecordMessage,
		RawText:    text,
		Fields: map[string]common.FieldValue{
			"sender_phone": common.IdentifierField("+91-98765-43210"),
			"amount":       common.NumberField(0.5),
		},
	}
}

// Run executes the shared contract against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("Idempotent", func(t *testing.T) { testIdempotent(t, newStore(t)) })
	t.Run("ConcurrentIdenticalPutsCollapse", func(t *testing.T) { testConcurrentCollapse(t, newStore(t)) })
	t.Run("RejectsMalformed", func(t *testing.T) { testRejects(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ScanFilterRestartable", func(t *testing.T) { testScan(t, newStore(t)) })
}

func testRoundTrip(t *testing.T, s store.RecordStore) {
	ctx := context.Background()
	in := SampleRecord("send 0.5 BTC to bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	stored, status, err := s.Put(ctx, in)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if status != store.Stored {
		t.Fatalf("expected stored, got %s", status)
	}
	if stored.ID != store.ContentID(in) {
		t.Fatalf("expected id %s, got %s", store.ContentID(in), stored.ID)
	}

	got, err := s.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != stored.ID || got.SourceFile != in.SourceFile || got.Lines != in.Lines ||
		!got.Timestamp.Equal(in.Timestamp) || got.Type != in.Type || got.RawText != in.RawText {
		t.Fatalf("expected %+v, got %+v", stored, got)
	}
	if len(got.Fields) != len(in.Fields) {
		t.Fatalf("expected %d fields, got %d", len(in.Fields), len(got.Fields))
	}
	for name, want := range in.Fields {
		if got.Fields[name].Canonical() != want.Canonical() || got.Fields[name].Kind() != want.Kind() {
			t.Fatalf("field %s: expected %q, got %q", name, want.Canonical(), got.Fields[name].Canonical())
		}
	}
	if err := store.VerifyID(got); err != nil {
		t.Fatalf("expected stored record to verify, got %v", err)
	}
}

func testIdempotent(t *testing.T, s store.RecordStore) {
	ctx := context.Background()
	in := SampleRecord("call me later", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	first, _, err := s.Put(ctx, in)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	second, status, err := s.Put(ctx, in)
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if status != store.Duplicate {
		t.Fatalf("expected duplicate, got %s", status)
	}
	if second.ID != first.ID || !second.IngestedAt.Equal(first.IngestedAt) {
		t.Fatalf("expected original record back, got %+v", second)
	}

	changed := in
	changed.RawText = "call me later!"
	third, status, err := s.Put(ctx, changed)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if status != store.Stored || third.ID == first.ID {
		t.Fatalf("expected a distinct stored record, got %s %s", status, third.ID)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}

func testConcurrentCollapse(t *testing.T, s store.RecordStore) {
	ctx := context.Background()
	in := SampleRecord("meet at the dock", time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC))

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[store.PutStatus]int{}
	ids := map[common.RecordID]struct{}{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, status, err := s.Put(ctx, in)
			if err != nil {
				t.Errorf("put failed: %v", err)
				return
			}
			mu.Lock()
			statuses[status]++
			ids[rec.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[store.Stored] != 1 || statuses[store.Duplicate] != workers-1 {
		t.Fatalf("expected 1 stored and %d duplicates, got %v", workers-1, statuses)
	}
	if len(ids) != 1 {
		t.Fatalf("expected a single id, got %d", len(ids))
	}
	n, _ := s.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func testRejects(t *testing.T, s store.RecordStore) {
	ctx := context.Background()
	valid := SampleRecord("ok", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		mutate func(*common.Record)
	}{
		{name: "missing timestamp", mutate: func(r *common.Record) { r.Timestamp = time.Time{} }},
		{name: "empty text", mutate: func(r *common.Record) { r.RawText = "" }},
		{name: "whitespace text", mutate: func(r *common.Record) { r.RawText = " \n\t" }},
		{name: "unknown type", mutate: func(r *common.Record) { r.Type = "email" }},
		{name: "inverted lines", mutate: func(r *common.Record) { r.Lines = common.LineRange{Start: 5, End: 4} }},
		{name: "zero line", mutate: func(r *common.Record) { r.Lines = common.LineRange{Start: 0, End: 1} }},
		{name: "no source", mutate: func(r *common.Record) { r.SourceFile = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid
			tt.mutate(&rec)
			_, _, err := s.Put(ctx, rec)
			if !common.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	n, _ := s.Count(ctx)
	if n != 0 {
		t.Fatalf("expected no stored records, got %d", n)
	}
}

func testNotFound(t *testing.T, s store.RecordStore) {
	_, err := s.Get(context.Background(), "rec_missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testScan(t *testing.T, s store.RecordStore) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		rec := SampleRecord("message", base.Add(time.Duration(i)*time.Hour))
		rec.Lines = common.LineRange{Start: i + 1, End: i + 1}
		if i%2 == 1 {
			rec.Type = common.RecordCall
		}
		if _, _, err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	filter := store.Filter{
		Types: []common.RecordType{common.RecordMessage},
		From:  base.Add(time.Hour),
	}
	first, err := store.Collect(s.Scan(ctx, filter))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 records, got %d", len(first))
	}
	for _, r := range first {
		if r.Type != common.RecordMessage || r.Timestamp.Before(base.Add(time.Hour)) {
			t.Fatalf("record %s does not match filter", r.ID)
		}
	}

	second, err := store.Collect(s.Scan(ctx, filter))
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Fatalf("expected restartable scan, got %v then %v", ids(first), ids(second))
	}

	denied, err := store.Collect(s.Scan(ctx, store.Filter{Scope: &common.Scope{}}))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(denied) != 0 {
		t.Fatalf("expected empty scope to deny all, got %d", len(denied))
	}
}

func ids(recs []common.Record) []common.RecordID {
	out := make([]common.RecordID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
