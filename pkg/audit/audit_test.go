package audit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
	fail    bool
}

func (s *memorySink) AppendEntry(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) LoadEntries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries), nil
}

func newTestLog(sink Sink) *Log {
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewLog(NewLogParams{
		SigningKey: []byte("test-key"),
		Sink:       sink,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
}

func fill(t *testing.T, l *Log) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		op       Operation
		affected []string
	}{
		{OpRecordPut, []string{"rec_a"}},
		{OpRecordPut, []string{"rec_b"}},
		{OpMergeCandidate, []string{"1", "2"}},
		{OpEdgeUpsert, []string{"1", "3"}},
	}
	for _, s := range steps {
		if _, err := l.Append(ctx, "analyst-7", s.op, s.affected, map[string]string{"source_file": "chat.txt"}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
}

func TestChainVerifies(t *testing.T) {
	l := newTestLog(nil)
	fill(t, l)

	if l.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", l.Len())
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}

	entries := l.List(Query{})
	if entries[0].PrevHash != "" {
		t.Fatalf("expected genesis entry to have no predecessor, got %q", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Fatalf("entry %d does not link to its predecessor", entries[i].Seq)
		}
	}
}

func TestTamperingDetected(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]Entry) []Entry
		wantSeq uint64
	}{
		{
			name: "edited details",
			mutate: func(e []Entry) []Entry {
				e[1].Details = map[string]string{"source_file": "other.txt"}
				return e
			},
			wantSeq: 2,
		},
		{
			name: "edited actor with recomputed hash but no key",
			mutate: func(e []Entry) []Entry {
				e[2].Actor = "intruder"
				_ = seal(&e[2], []byte("guessed-key"))
				return e
			},
			wantSeq: 3,
		},
		{
			name: "removed entry",
			mutate: func(e []Entry) []Entry {
				return append(e[:1], e[2:]...)
			},
			wantSeq: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLog(nil)
			fill(t, l)
			entries := tt.mutate(l.List(Query{}))

			err := VerifyEntries(entries, []byte("test-key"))
			var chainErr *ChainError
			if !errors.As(err, &chainErr) {
				t.Fatalf("expected ChainError, got %v", err)
			}
			if chainErr.Seq != tt.wantSeq {
				t.Fatalf("expected break at %d, got %d (%s)", tt.wantSeq, chainErr.Seq, chainErr.Reason)
			}
		})
	}
}

func TestWrongKeyFailsVerification(t *testing.T) {
	l := newTestLog(nil)
	fill(t, l)
	if err := VerifyEntries(l.List(Query{}), []byte("other-key")); err == nil {
		t.Fatal("expected signature failure, got nil")
	}
}

func TestListFilters(t *testing.T) {
	l := newTestLog(nil)
	fill(t, l)

	puts := l.List(Query{Operation: OpRecordPut})
	if len(puts) != 2 {
		t.Fatalf("expected 2 put entries, got %d", len(puts))
	}
	if got := l.List(Query{Affected: "3"}); len(got) != 1 || got[0].Operation != OpEdgeUpsert {
		t.Fatalf("expected the edge entry, got %+v", got)
	}
	if got := l.List(Query{Offset: 1, Limit: 2}); len(got) != 2 || got[0].Seq != 2 {
		t.Fatalf("expected entries 2 and 3, got %+v", got)
	}
}

func TestRestoreFromSink(t *testing.T) {
	sink := &memorySink{}
	l := newTestLog(sink)
	fill(t, l)

	restored := newTestLog(sink)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Len() != 4 {
		t.Fatalf("expected 4 restored entries, got %d", restored.Len())
	}
	if _, err := restored.Append(context.Background(), "", OpQuery, nil, nil); err != nil {
		t.Fatalf("append after restore failed: %v", err)
	}
	if err := restored.Verify(); err != nil {
		t.Fatalf("expected continued chain to verify, got %v", err)
	}

	sink.entries[0].Actor = "someone-else"
	if err := newTestLog(sink).Restore(context.Background()); err == nil {
		t.Fatal("expected restore of tampered chain to fail")
	}
}

func TestSinkFailureKeepsChainIntact(t *testing.T) {
	sink := &memorySink{}
	l := newTestLog(sink)
	fill(t, l)

	sink.fail = true
	if _, err := l.Append(context.Background(), "x", OpQuery, nil, nil); err == nil {
		t.Fatal("expected sink error, got nil")
	}
	if l.Len() != 4 {
		t.Fatalf("expected failed append to be dropped, got %d entries", l.Len())
	}
}

func TestActorContext(t *testing.T) {
	if got := ActorFrom(context.Background()); got != SystemActor {
		t.Fatalf("expected %q, got %q", SystemActor, got)
	}
	ctx := WithActor(context.Background(), "analyst-7")
	if got := ActorFrom(ctx); got != "analyst-7" {
		t.Fatalf("expected analyst-7, got %q", got)
	}
}

func TestReplayIsNotAudited(t *testing.T) {
	l := newTestLog(nil)
	fill(t, l)
	ctx := WithReplay(WithActor(context.Background(), "rebuild"))
	if _, err := l.Append(ctx, "rebuild", OpEdgeUpsert, []string{"1", "2"}, nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if l.Len() != 4 {
		t.Fatalf("expected replayed append to be skipped, got %d entries", l.Len())
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}
