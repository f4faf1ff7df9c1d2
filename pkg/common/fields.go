package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FieldKind tags the variant held by a FieldValue.
type FieldKind uint8

const (
	FieldText FieldKind = iota + 1
	FieldNumber
	FieldTimestamp
	FieldIdentifier
)

func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "text"
	case FieldNumber:
		return "number"
	case FieldTimestamp:
		return "timestamp"
	case FieldIdentifier:
		return "identifier"
	}
	return "invalid"
}

func parseFieldKind(s string) (FieldKind, error) {
	switch s {
	case "text":
		return FieldText, nil
	case "number":
		return FieldNumber, nil
	case "timestamp":
		return FieldTimestamp, nil
	case "identifier":
		return FieldIdentifier, nil
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

// FieldValue is a normalized record field. Exactly one variant is set; use
// the constructors and switch on Kind.
type FieldValue struct {
	kind FieldKind
	str  string
	num  float64
	ts   time.Time
}

func TextField(s string) FieldValue { return FieldValue{kind: FieldText, str: s} }
func NumberField(n float64) FieldValue { return FieldValue{kind: FieldNumber, num: n} }
func TimestampField(t time.Time) FieldValue { return FieldValue{kind: FieldTimestamp, ts: t.UTC()} }
func IdentifierField(s string) FieldValue { return FieldValue{kind: FieldIdentifier, str: s} }

func (v FieldValue) Kind() FieldKind { return v.kind }

// Str returns the string payload of a Text or Identifier field.
func (v FieldValue) Str() string { return v.str }

func (v FieldValue) Number() float64 { return v.num }

func (v FieldValue) Time() time.Time { return v.ts }

// Canonical renders the value in the form used for content hashing.
func (v FieldValue) Canonical() string {
	switch v.kind {
	case FieldText, FieldIdentifier:
		return v.str
	case FieldNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case FieldTimestamp:
		return v.ts.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

type fieldJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	switch v.kind {
	case FieldText, FieldIdentifier:
		raw, err = json.Marshal(v.str)
	case FieldNumber:
		raw, err = json.Marshal(v.num)
	case FieldTimestamp:
		raw, err = json.Marshal(v.ts.UTC().Format(time.RFC3339Nano))
	default:
		return nil, fmt.Errorf("cannot marshal field of kind %s", v.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldJSON{Kind: v.kind.String(), Value: raw})
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var f fieldJSON
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	kind, err := parseFieldKind(f.Kind)
	if err != nil {
		return err
	}

	switch kind {
	case FieldText, FieldIdentifier:
		var s string
		if err := json.Unmarshal(f.Value, &s); err != nil {
			return fmt.Errorf("field %s: %w", f.Kind, err)
		}
		*v = FieldValue{kind: kind, str: s}
	case FieldNumber:
		var n float64
		if err := json.Unmarshal(f.Value, &n); err != nil {
			return fmt.Errorf("field %s: %w", f.Kind, err)
		}
		*v = NumberField(n)
	case FieldTimestamp:
		var s string
		if err := json.Unmarshal(f.Value, &s); err != nil {
			return fmt.Errorf("field %s: %w", f.Kind, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Kind, err)
		}
		*v = TimestampField(t)
	}
	return nil
}
