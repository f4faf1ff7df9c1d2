package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casetrace/backend/pkg/ai"
	"github.com/casetrace/backend/pkg/common"
)

// LLMDetector asks a language model for identifiers. Reported surface forms
// that do not occur verbatim in the text are dropped, so every detection
// still points at real evidence.
type LLMDetector struct {
	client     ai.StructuredClient
	model      string
	maxRunes   int
	maxRetries int
}

type NewLLMDetectorParams struct {
	Client ai.StructuredClient
	// Model overrides the client's extraction model when set.
	Model      string
	MaxRunes   int
	MaxRetries int
}

func NewLLMDetector(params NewLLMDetectorParams) *LLMDetector {
	maxRunes := params.MaxRunes
	if maxRunes <= 0 {
		maxRunes = 4000
	}
	return &LLMDetector{
		client:     params.Client,
		model:      params.Model,
		maxRunes:   maxRunes,
		maxRetries: max(params.MaxRetries, 1),
	}
}

func (d *LLMDetector) Name() string { return "llm" }

func (d *LLMDetector) Detect(ctx context.Context, text string) ([]Detection, error) {
	var opts []ai.GenerateOption
	if d.model != "" {
		opts = append(opts, ai.WithModel(d.model))
	}
	res, err := ai.CallExtractEntities(ctx, d.client, text, d.maxRunes, d.maxRetries, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, common.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", common.ErrProviderUnavailable, err)
	}

	var out []Detection
	used := make(map[int]bool)
	for _, e := range res.Entities {
		t := common.EntityType(e.Type)
		if _, err := Normalize(t, e.SurfaceForm); err != nil {
			continue
		}
		offset := findUnused(text, e.SurfaceForm, used)
		if offset < 0 {
			continue
		}
		used[offset] = true
		conf := e.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		out = append(out, Detection{
			Type:        t,
			SurfaceForm: e.SurfaceForm,
			Offset:      offset,
			Confidence:  conf,
			Detector:    d.Name(),
		})
	}
	return out, nil
}

// findUnused returns the first occurrence of sub in text that has not been
// claimed yet, or -1.
func findUnused(text, sub string, used map[int]bool) int {
	if sub == "" {
		return -1
	}
	from := 0
	for from <= len(text) {
		i := strings.Index(text[from:], sub)
		if i < 0 {
			return -1
		}
		at := from + i
		if !used[at] {
			return at
		}
		from = at + 1
	}
	return -1
}
