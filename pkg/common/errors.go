package common

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRecord marks a put whose content hash is already stored.
	// Callers report it as a status, never as a failure.
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrNotFound        = errors.New("not found")
	// ErrProviderUnavailable is returned by embedding providers and
	// detectors that cannot serve a request. Ingestion degrades and continues.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrIndexCorruption signals that an index failed its integrity check and
	// must be rebuilt from the record store.
	ErrIndexCorruption = errors.New("index corruption")
	// ErrMergeAmbiguous is reported when an entity resolution produced a
	// near-miss that was queued for review instead of merged.
	ErrMergeAmbiguous = errors.New("merge ambiguous")
	// ErrQueryTimeout flags a query that hit its deadline. Results are partial.
	ErrQueryTimeout      = errors.New("query timeout")
	ErrIntegrity         = errors.New("record integrity check failed")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// ValidationError is returned for malformed records. Such records are
// rejected and never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
