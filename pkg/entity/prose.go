package entity

import (
	"context"
	"strings"

	"github.com/casetrace/backend/pkg/common"

	"github.com/tsawler/prose/v3"
)

const defaultProseConfidence = 0.6

// ProseDetector reports person references found by the prose NER model.
// Other entity labels are ignored; structured identifiers are left to the
// pattern detector.
type ProseDetector struct{}

func NewProseDetector() *ProseDetector {
	return &ProseDetector{}
}

func (d *ProseDetector) Name() string { return "prose" }

func (d *ProseDetector) Detect(ctx context.Context, text string) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, err
	}

	var out []Detection
	for _, ent := range doc.Entities() {
		if !strings.EqualFold(ent.Label, "PERSON") {
			continue
		}
		start, end := ent.Start, ent.End
		if start < 0 || end > len(text) || start >= end || text[start:end] != ent.Text {
			// Offsets are not guaranteed for every tokenizer path.
			start = strings.Index(text, ent.Text)
			if start < 0 {
				continue
			}
			end = start + len(ent.Text)
		}
		conf := ent.Confidence
		if conf <= 0 || conf > 1 {
			conf = defaultProseConfidence
		}
		out = append(out, Detection{
			Type:        common.EntityPerson,
			SurfaceForm: text[start:end],
			Offset:      start,
			Confidence:  conf,
			Detector:    d.Name(),
		})
	}
	return out, nil
}
