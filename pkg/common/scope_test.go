package common

import (
	"encoding/json"
	"testing"
	"time"
)

func TestScopeAllows(t *testing.T) {
	rec := &Record{SourceFile: "extraction/whatsapp/chat.txt", Type: RecordMessage}

	tests := []struct {
		name  string
		scope Scope
		want  bool
	}{
		{name: "zero value denies", scope: Scope{}, want: false},
		{name: "allow all", scope: AllowAll(), want: true},
		{name: "exact file", scope: ScopeForFiles("extraction/whatsapp/chat.txt"), want: true},
		{name: "other file", scope: ScopeForFiles("extraction/sms.txt"), want: false},
		{name: "directory prefix", scope: ScopeForFiles("extraction/whatsapp/"), want: true},
		{name: "prefix without slash is exact", scope: ScopeForFiles("extraction/whatsapp"), want: false},
		{name: "empty entry ignored", scope: ScopeForFiles(""), want: false},
		{name: "type restriction", scope: Scope{All: true, RecordTypes: []RecordType{RecordCall}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.Allows(rec); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFieldValueJSON(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	fields := map[string]FieldValue{
		"body":    TextField("hello"),
		"amount":  NumberField(12.5),
		"sent_at": TimestampField(ts),
		"imei":    IdentifierField("356938035643809"),
	}

	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got map[string]FieldValue
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for name, want := range fields {
		if got[name].Kind() != want.Kind() {
			t.Fatalf("field %s: expected kind %s, got %s", name, want.Kind(), got[name].Kind())
		}
		if got[name].Canonical() != want.Canonical() {
			t.Fatalf("field %s: expected %q, got %q", name, want.Canonical(), got[name].Canonical())
		}
	}
}

func TestFieldValueRejectsUnknownKind(t *testing.T) {
	var v FieldValue
	if err := json.Unmarshal([]byte(`{"kind":"blob","value":"x"}`), &v); err == nil {
		t.Fatal("expected error for unknown kind, got nil")
	}
}
