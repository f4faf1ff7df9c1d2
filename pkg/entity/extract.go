package entity

import (
	"context"

	"github.com/casetrace/backend/pkg/common"
)

// Extractor finds every entity mention of a record: identifier fields
// first, then whatever its detector reports on the raw text.
type Extractor struct {
	detector Detector
}

// NewExtractor returns an extractor running detector over record text. A
// nil detector falls back to the built-in patterns.
func NewExtractor(detector Detector) *Extractor {
	if detector == nil {
		detector = NewPatternDetector()
	}
	return &Extractor{detector: detector}
}

// Extract returns the detections of rec. When the text detector fails the
// field detections are still returned together with the error, so a
// provider outage never hides identifiers the record already carries.
func (e *Extractor) Extract(ctx context.Context, rec *common.Record) ([]Detection, error) {
	fields := FieldDetections(rec)
	found, err := e.detector.Detect(ctx, rec.RawText)
	if err != nil {
		return fields, err
	}
	return ResolveOverlaps(append(fields, found...)), nil
}

// DetectText runs only the text detector, used for query text.
func (e *Extractor) DetectText(ctx context.Context, text string) ([]Detection, error) {
	found, err := e.detector.Detect(ctx, text)
	if err != nil {
		return nil, err
	}
	return ResolveOverlaps(found), nil
}
