// Package entity finds forensic identifiers in records and resolves them to
// deduplicated entities.
//
// Detection is pluggable: a Detector reports typed spans of text, and
// Compose runs several detectors and settles overlapping spans. Resolution
// happens in a Registry, which keeps entities in an arena indexed by their
// id and never deletes anything.
package entity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"
)

// Detection is a single typed span found by a detector. Offset is a byte
// offset into the scanned text, or -1 when the value came from the record
// field named by Field.
type Detection struct {
	Type        common.EntityType `json:"type"`
	SurfaceForm string            `json:"surface_form"`
	Offset      int               `json:"offset"`
	Field       string            `json:"field,omitempty"`
	Confidence  float64           `json:"confidence"`
	Detector    string            `json:"detector"`
}

// End returns the byte offset just past the detection.
func (d Detection) End() int {
	return d.Offset + len(d.SurfaceForm)
}

func (d Detection) overlaps(o Detection) bool {
	if d.Offset < 0 || o.Offset < 0 {
		return false
	}
	return d.Offset < o.End() && o.Offset < d.End()
}

// Detector finds entity mentions in text. Detectors must be safe for
// concurrent use. A detector backed by a remote model returns an error
// wrapping common.ErrProviderUnavailable when it cannot be reached.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string) ([]Detection, error)
}

// Composite runs several detectors over the same text.
type Composite struct {
	detectors []Detector
}

// Compose returns a detector running all of ds. A failing detector is
// logged and skipped so the others still contribute; Detect only returns an
// error when every detector failed.
func Compose(ds ...Detector) *Composite {
	out := &Composite{}
	for _, d := range ds {
		if d != nil {
			out.detectors = append(out.detectors, d)
		}
	}
	return out
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Detect(ctx context.Context, text string) ([]Detection, error) {
	var (
		all  []Detection
		errs []error
	)
	for _, d := range c.detectors {
		found, err := d.Detect(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("[Resolve] Detector failed", "detector", d.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		all = append(all, found...)
	}
	if len(errs) > 0 && len(errs) == len(c.detectors) {
		return nil, errors.Join(errs...)
	}
	return ResolveOverlaps(all), nil
}

// ResolveOverlaps drops duplicate and overlapping spans. When two spans
// overlap, the one with higher confidence wins, then the longer one, then
// the earlier one. Field detections never overlap. The result is ordered by
// offset.
func ResolveOverlaps(ds []Detection) []Detection {
	if len(ds) < 2 {
		return ds
	}
	ranked := slices.Clone(ds)
	slices.SortStableFunc(ranked, func(a, b Detection) int {
		return cmp.Or(
			cmp.Compare(b.Confidence, a.Confidence),
			cmp.Compare(len(b.SurfaceForm), len(a.SurfaceForm)),
			cmp.Compare(a.Offset, b.Offset),
		)
	})

	type fieldKey struct {
		field string
		typ   common.EntityType
		value string
	}
	seenFields := make(map[fieldKey]bool)
	kept := make([]Detection, 0, len(ranked))
	for _, d := range ranked {
		if d.Offset < 0 {
			k := fieldKey{d.Field, d.Type, d.SurfaceForm}
			if seenFields[k] {
				continue
			}
			seenFields[k] = true
			kept = append(kept, d)
			continue
		}
		clash := false
		for _, k := range kept {
			if d.overlaps(k) {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, d)
		}
	}

	slices.SortFunc(kept, func(a, b Detection) int {
		return cmp.Or(
			cmp.Compare(a.Offset, b.Offset),
			cmp.Compare(a.Field, b.Field),
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.SurfaceForm, b.SurfaceForm),
		)
	})
	return kept
}
