package store

import (
	"errors"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"
)

func sample() common.Record {
	return common.Record{
		SourceFile: "calls.csv",
		Lines:      common.LineRange{Start: 3, End: 3},
		Timestamp:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)),
		Type:       common.RecordCall,
		RawText:    "outgoing call 00:02:13",
		Fields: map[string]common.FieldValue{
			"recipient_phone": common.IdentifierField("919876543210"),
			"duration":        common.NumberField(133),
		},
	}
}

func TestContentIDIgnoresZoneAndIngestTime(t *testing.T) {
	a := sample()
	b := sample()
	b.Timestamp = a.Timestamp.UTC()
	b.IngestedAt = time.Now()
	b.ID = "rec_stale"

	if ContentID(a) != ContentID(b) {
		t.Fatalf("expected equal ids, got %s and %s", ContentID(a), ContentID(b))
	}
}

func TestContentIDCoversFields(t *testing.T) {
	a := sample()
	b := sample()
	b.Fields = map[string]common.FieldValue{
		"recipient_phone": common.IdentifierField("919876543210"),
		"duration":        common.NumberField(134),
	}
	if ContentID(a) == ContentID(b) {
		t.Fatal("expected field change to change the id")
	}

	c := sample()
	c.Fields = map[string]common.FieldValue{
		"recipient_phone": common.TextField("919876543210"),
		"duration":        common.NumberField(133),
	}
	if ContentID(a) == ContentID(c) {
		t.Fatal("expected field kind change to change the id")
	}
}

func TestVerifyIDDetectsTampering(t *testing.T) {
	rec, err := Prepare(sample())
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := VerifyID(rec); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}

	rec.RawText = "incoming call"
	if err := VerifyID(rec); !errors.Is(err, common.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestShardForIsStable(t *testing.T) {
	id := ContentID(sample())
	first := ShardFor(id, 16)
	for i := 0; i < 10; i++ {
		if got := ShardFor(id, 16); got != first {
			t.Fatalf("expected shard %d, got %d", first, got)
		}
	}
	if ShardFor(id, 1) != 0 {
		t.Fatal("expected single shard to be 0")
	}
}
