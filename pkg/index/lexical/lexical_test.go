package lexical

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, text string, offset time.Duration) *common.Record {
	return &common.Record{ID: common.RecordID(id), RawText: text, Timestamp: base.Add(offset)}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Send 0.5 BTC to bc1qxy2k!", []string{"send", "0", "5", "btc", "to", "bc1qxy2k"}},
		{"+91-98765-43210", []string{"91", "98765", "43210"}},
		{"Привет, МИР", []string{"привет", "мир"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestQueryTermsDeduplicates(t *testing.T) {
	got := QueryTerms("wallet Wallet seed wallet")
	if !reflect.DeepEqual(got, []string{"wallet", "seed"}) {
		t.Fatalf("expected [wallet seed], got %v", got)
	}
}

func TestBM25Score(t *testing.T) {
	idx := New(Params{Shards: 2})
	idx.Index(rec("rec_a", "wallet wallet seed", 0))
	idx.Index(rec("rec_b", "meet at dock", time.Minute))
	idx.Publish()

	hits := idx.Snapshot().Search([]string{"wallet"}, 10, nil)
	if len(hits) != 1 || hits[0].Record != "rec_a" {
		t.Fatalf("expected only rec_a, got %+v", hits)
	}

	// N=2, df=1, dl=3, avgdl=3, tf=2
	idf := math.Log(1 + (2-1+0.5)/(1+0.5))
	want := idf * 2 * (DefaultK1 + 1) / (2 + DefaultK1)
	if math.Abs(hits[0].Score-want) > 1e-9 {
		t.Fatalf("expected score %f, got %f", want, hits[0].Score)
	}
}

func TestSearchOrderingAndTies(t *testing.T) {
	idx := New(Params{})
	idx.Index(rec("rec_c", "transfer", 2*time.Minute))
	idx.Index(rec("rec_b", "transfer", time.Minute))
	idx.Index(rec("rec_a", "transfer", time.Minute))
	idx.Index(rec("rec_d", "transfer transfer", 5*time.Minute))
	idx.Index(rec("rec_e", "unrelated", 0))
	idx.Publish()

	hits := idx.Snapshot().Search([]string{"transfer"}, 10, nil)
	var got []common.RecordID
	for _, h := range hits {
		got = append(got, h.Record)
	}
	// rec_d has higher tf; equal scores tie on timestamp, then id.
	want := []common.RecordID{"rec_d", "rec_a", "rec_b", "rec_c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if top := idx.Snapshot().Search([]string{"transfer"}, 2, nil); len(top) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(top))
	}
}

func TestSearchFilterAppliedBeforeTopK(t *testing.T) {
	idx := New(Params{})
	for i := 0; i < 10; i++ {
		idx.Index(rec(fmt.Sprintf("rec_%02d", i), "cash drop", time.Duration(i)*time.Minute))
	}
	idx.Publish()

	only := func(id common.RecordID) bool { return id == "rec_09" }
	hits := idx.Snapshot().Search([]string{"cash"}, 1, only)
	if len(hits) != 1 || hits[0].Record != "rec_09" {
		t.Fatalf("expected rec_09, got %+v", hits)
	}
}

func TestReindexIsNoop(t *testing.T) {
	idx := New(Params{})
	r := rec("rec_a", "alpha beta", 0)
	if !idx.Index(r) {
		t.Fatal("expected first index to add")
	}
	if idx.Index(r) {
		t.Fatal("expected second index to be a no-op")
	}
	idx.Publish()
	snap := idx.Snapshot()
	if snap.DocFreq("alpha") != 1 || snap.Len() != 1 {
		t.Fatalf("expected df 1 and 1 record, got %d and %d", snap.DocFreq("alpha"), snap.Len())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	idx := New(Params{})
	idx.Index(rec("rec_a", "alpha", 0))
	idx.Publish()
	before := idx.Snapshot()

	idx.Index(rec("rec_b", "alpha", 0))
	if got := idx.Snapshot().Len(); got != 1 {
		t.Fatalf("expected unpublished record to be invisible, got %d records", got)
	}
	idx.Publish()
	if before.Len() != 1 || before.DocFreq("alpha") != 1 {
		t.Fatalf("expected old snapshot unchanged, got %d records", before.Len())
	}
	if idx.Snapshot().DocFreq("alpha") != 2 {
		t.Fatalf("expected df 2 after publish")
	}
}

func TestFieldsAreIndexed(t *testing.T) {
	idx := New(Params{})
	r := rec("rec_a", "missed call", 0)
	r.Fields = map[string]common.FieldValue{
		"caller":   common.IdentifierField("alice-burner"),
		"duration": common.NumberField(12),
	}
	idx.Index(r)
	idx.Publish()
	if hits := idx.Snapshot().Search([]string{"burner"}, 5, nil); len(hits) != 1 {
		t.Fatalf("expected field text to be searchable, got %+v", hits)
	}
	if hits := idx.Snapshot().Search([]string{"12"}, 5, nil); len(hits) != 0 {
		t.Fatalf("expected number fields to be skipped, got %+v", hits)
	}
}

func TestConcurrentIndexAndSearch(t *testing.T) {
	idx := New(Params{Shards: 4})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				idx.Index(rec(fmt.Sprintf("rec_%d_%03d", w, i), "burner phone handoff", 0))
				if i%10 == 0 {
					idx.Publish()
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			idx.Snapshot().Search([]string{"burner"}, 5, nil)
		}
	}()
	wg.Wait()
	idx.Publish()

	if n := idx.Snapshot().Len(); n != 400 {
		t.Fatalf("expected 400 records, got %d", n)
	}
	if err := idx.Verify(); err != nil {
		t.Fatalf("expected clean index, got %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	idx := New(Params{Shards: 1})
	idx.Index(rec("rec_a", "alpha beta", 0))
	idx.Publish()
	if err := idx.Verify(); err != nil {
		t.Fatalf("expected clean index, got %v", err)
	}

	v := idx.shards[0].view.Load()
	v.postings["alpha"] = append(v.postings["alpha"], Posting{Record: "rec_a", TF: 1})
	if err := idx.Verify(); !errors.Is(err, common.ErrIndexCorruption) {
		t.Fatalf("expected ErrIndexCorruption, got %v", err)
	}

	v.postings["alpha"] = v.postings["alpha"][:1]
	v.postings["alpha"][0].TF = 7
	if err := idx.Verify(); !errors.Is(err, common.ErrIndexCorruption) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}
