package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/casetrace/backend/pkg/common"

	"github.com/zeebo/blake3"
)

const recordIDPrefix = "rec_"

// Normalize returns the canonical form of rec used for hashing and storage:
// timestamps in UTC, empty field maps as nil. The ID is left untouched.
func Normalize(rec common.Record) common.Record {
	rec.Timestamp = rec.Timestamp.UTC()
	if !rec.IngestedAt.IsZero() {
		rec.IngestedAt = rec.IngestedAt.UTC()
	}
	if len(rec.Fields) == 0 {
		rec.Fields = nil
	} else {
		rec.Fields = maps.Clone(rec.Fields)
	}
	return rec
}

// Validate rejects records that must never be stored.
func Validate(rec common.Record) error {
	switch {
	case rec.Timestamp.IsZero():
		return &common.ValidationError{Field: "timestamp", Reason: "is missing"}
	case strings.TrimSpace(rec.RawText) == "":
		return &common.ValidationError{Field: "raw_text", Reason: "is empty"}
	case strings.TrimSpace(rec.SourceFile) == "":
		return &common.ValidationError{Field: "source_file", Reason: "is empty"}
	case !rec.Type.Valid():
		return &common.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a known record type", rec.Type)}
	case rec.Lines.Start < 1:
		return &common.ValidationError{Field: "line_range", Reason: "must start at line 1 or later"}
	case rec.Lines.End < rec.Lines.Start:
		return &common.ValidationError{Field: "line_range", Reason: "ends before it starts"}
	}
	for name, v := range rec.Fields {
		if name == "" {
			return &common.ValidationError{Field: "fields", Reason: "contain an empty name"}
		}
		if v.Kind() == 0 {
			return &common.ValidationError{Field: "fields." + name, Reason: "has no value"}
		}
	}
	return nil
}

// ContentID hashes everything that identifies a record's content. IngestedAt
// and the current ID are excluded.
func ContentID(rec common.Record) common.RecordID {
	h := blake3.New()
	writeString(h, rec.SourceFile)
	writeInt(h, int64(rec.Lines.Start))
	writeInt(h, int64(rec.Lines.End))
	writeString(h, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	writeString(h, string(rec.Type))
	writeString(h, rec.RawText)

	names := slices.Sorted(maps.Keys(rec.Fields))
	writeInt(h, int64(len(names)))
	for _, name := range names {
		v := rec.Fields[name]
		writeString(h, name)
		writeInt(h, int64(v.Kind()))
		writeString(h, v.Canonical())
	}

	return common.RecordID(recordIDPrefix + hex.EncodeToString(h.Sum(nil)))
}

// Prepare validates and normalizes rec and assigns its content ID.
func Prepare(rec common.Record) (common.Record, error) {
	if err := Validate(rec); err != nil {
		return common.Record{}, err
	}
	rec = Normalize(rec)
	rec.ID = ContentID(rec)
	return rec, nil
}

// VerifyID recomputes the content hash of a stored record.
func VerifyID(rec common.Record) error {
	if got := ContentID(rec); got != rec.ID {
		return fmt.Errorf("%w: %s hashes to %s", common.ErrIntegrity, rec.ID, got)
	}
	return nil
}

// ShardFor maps a record ID onto one of n shards.
func ShardFor(id common.RecordID, n int) int {
	if n <= 1 {
		return 0
	}
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return int(h % uint64(n))
}

func writeString(h hash.Hash, s string) {
	writeInt(h, int64(len(s)))
	h.Write([]byte(s))
}

func writeInt(h hash.Hash, v int64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	h.Write(buf[:n])
}
