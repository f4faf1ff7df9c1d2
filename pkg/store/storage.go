package store

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/casetrace/backend/pkg/common"
)

// PutStatus reports what a Put did with the record.
type PutStatus int

const (
	Stored PutStatus = iota + 1
	Duplicate
)

func (s PutStatus) String() string {
	switch s {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// RecordStore is the source of truth for record content. Implementations
// must be safe for concurrent use, and concurrent puts of identical content
// must collapse to a single stored record.
type RecordStore interface {
	// Put validates, hashes and stores rec. Re-putting identical content
	// returns the already stored record and Duplicate.
	Put(ctx context.Context, rec common.Record) (common.Record, PutStatus, error)
	// Get returns common.ErrNotFound for unknown IDs and common.ErrIntegrity
	// when the stored content no longer matches its ID.
	Get(ctx context.Context, id common.RecordID) (common.Record, error)
	// Scan yields every record matching filter. The sequence is lazy and can
	// be iterated more than once.
	Scan(ctx context.Context, filter Filter) iter.Seq2[common.Record, error]
	Count(ctx context.Context) (int, error)
	Close() error
}

// VectorCache persists record embeddings per model version so semantic
// rebuilds do not have to call the embedding provider again.
type VectorCache interface {
	LoadVector(ctx context.Context, id common.RecordID, model string) ([]float32, bool, error)
	SaveVector(ctx context.Context, id common.RecordID, model string, vec []float32) error
}

// Filter restricts a Scan. Zero fields do not restrict.
type Filter struct {
	Types       []common.RecordType
	SourceFiles []string
	From        time.Time
	To          time.Time
	Scope       *common.Scope
}

// Match reports whether r passes the filter.
func (f Filter) Match(r *common.Record) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, r.Type) {
		return false
	}
	if len(f.SourceFiles) > 0 && !slices.Contains(f.SourceFiles, r.SourceFile) {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	if f.Scope != nil && !f.Scope.Allows(r) {
		return false
	}
	return true
}

// Collect drains a scan into a slice.
func Collect(seq iter.Seq2[common.Record, error]) ([]common.Record, error) {
	var out []common.Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
