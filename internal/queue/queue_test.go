package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"

	"github.com/rabbitmq/amqp091-go"
)

type fakeIngester struct {
	actor string
	items []common.IngestItem
	err   error
}

func (f *fakeIngester) Ingest(ctx context.Context, actor string, items []common.IngestItem) ([]common.IngestResult, error) {
	f.actor = actor
	f.items = items
	if f.err != nil {
		return nil, f.err
	}
	out := make([]common.IngestResult, len(items))
	for i := range items {
		out[i] = common.IngestResult{Index: i, Status: common.IngestStored}
	}
	return out, nil
}

func TestProcessIngestMessage(t *testing.T) {
	rec := common.Record{
		SourceFile: "chat.txt",
		Lines:      common.LineRange{Start: 4, End: 4},
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:       common.RecordMessage,
		RawText:    "meet at the harbor",
		Fields:     map[string]common.FieldValue{"phone": common.IdentifierField("5551234")},
	}
	body, err := json.Marshal(QueueIngestMsg{CorrelationID: "batch_1", Items: []common.IngestItem{{Record: rec}}})
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}

	ing := &fakeIngester{}
	if err := ProcessIngestMessage(context.Background(), ing, nil, body); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if ing.actor != "queue" {
		t.Fatalf("expected the default actor, got %q", ing.actor)
	}
	if len(ing.items) != 1 || ing.items[0].Record.Fields["phone"].Str() != "5551234" {
		t.Fatalf("expected the record to survive the queue, got %+v", ing.items)
	}
	if !ing.items[0].Record.Timestamp.Equal(rec.Timestamp) {
		t.Fatalf("expected timestamp %v, got %v", rec.Timestamp, ing.items[0].Record.Timestamp)
	}
}

func TestProcessIngestMessageErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		ingestErr error
		malformed bool
	}{
		{"invalid json", "{", nil, true},
		{"empty batch", `{"correlation_id":"batch_1","items":[]}`, nil, true},
		{"ingest failed", `{"items":[{"record":{"raw_text":"x"}}]}`, context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ProcessIngestMessage(context.Background(), &fakeIngester{err: tt.ingestErr}, nil, []byte(tt.body))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if errors.Is(err, ErrMalformedMessage) != tt.malformed {
				t.Fatalf("expected malformed %v, got %v", tt.malformed, err)
			}
		})
	}
}

func TestProcessIngestMessageReplies(t *testing.T) {
	items := []common.IngestItem{
		{Record: common.Record{SourceFile: "chat.txt", RawText: "a"}},
		{Record: common.Record{SourceFile: "chat.txt", RawText: "b"}},
	}
	body, err := json.Marshal(QueueIngestMsg{CorrelationID: "batch_7", Actor: "analyst", Items: items})
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}

	tests := []struct {
		name     string
		replyErr error
		wantErr  bool
	}{
		{"delivered", nil, false},
		{"reply failed", errors.New("channel closed"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []QueueIngestReply
			reply := func(ctx context.Context, r QueueIngestReply) error {
				got = append(got, r)
				return tt.replyErr
			}
			err := ProcessIngestMessage(context.Background(), &fakeIngester{}, reply, body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected a failed reply to be retried, got %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected one reply, got %d", len(got))
			}
			r := got[0]
			if r.CorrelationID != "batch_7" || r.Stored != 2 || r.Duplicate != 0 || r.Rejected != 0 {
				t.Fatalf("expected 2 stored for batch_7, got %+v", r)
			}
			if len(r.Results) != 2 || r.Results[1].Index != 1 {
				t.Fatalf("expected per-record results, got %+v", r.Results)
			}
		})
	}

	// Batches without a correlation id have nobody to answer.
	anonymous, _ := json.Marshal(QueueIngestMsg{Items: items})
	called := false
	err = ProcessIngestMessage(context.Background(), &fakeIngester{}, func(context.Context, QueueIngestReply) error {
		called = true
		return nil
	}, anonymous)
	if err != nil || called {
		t.Fatalf("expected no reply and no error, got called=%v err=%v", called, err)
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		headers amqp091.Table
		want    int
	}{
		{nil, 0},
		{amqp091.Table{"x-retries": int32(3)}, 3},
		{amqp091.Table{"x-retries": int64(7)}, 7},
		{amqp091.Table{"x-retries": "nope"}, 0},
	}
	for _, tt := range tests {
		if got := retryCount(tt.headers); got != tt.want {
			t.Fatalf("expected %d, got %d", tt.want, got)
		}
	}
}
