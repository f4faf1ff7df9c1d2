package ai

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/common"
)

type flakyEmbedder struct {
	calls    atomic.Int32
	failures int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("connection refused")
	}
	return []float32{1, 0}, nil
}

func (f *flakyEmbedder) ModelVersion() string { return "flaky-v1" }

func TestGuardedEmbedderRetriesTransientFailures(t *testing.T) {
	inner := &flakyEmbedder{failures: 2}
	g := NewGuardedEmbedder(inner, GuardParams{
		Failures: 10,
		Backoff:  util.Backoff{MaxTries: 3, Initial: time.Millisecond, Multiplier: 2},
	})

	vec, err := g.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("expected 2-dim vector, got %d", len(vec))
	}
	if got := inner.calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
	if g.ModelVersion() != "flaky-v1" {
		t.Fatalf("expected inner model version, got %q", g.ModelVersion())
	}
}

func TestGuardedEmbedderOpensBreaker(t *testing.T) {
	inner := &flakyEmbedder{failures: 1000}
	g := NewGuardedEmbedder(inner, GuardParams{
		Failures:    2,
		OpenTimeout: time.Hour,
		Backoff:     util.Backoff{MaxTries: 1},
	})

	for i := 0; i < 2; i++ {
		_, err := g.Embed(context.Background(), "x")
		if !errors.Is(err, common.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	}
	if g.State() != "open" {
		t.Fatalf("expected open breaker, got %s", g.State())
	}

	before := inner.calls.Load()
	_, err := g.Embed(context.Background(), "x")
	if !errors.Is(err, common.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if inner.calls.Load() != before {
		t.Fatalf("expected open breaker to skip the provider")
	}
}

type fakeStructured struct {
	answer string
	err    error
	prompt string
}

func (f *fakeStructured) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	f.prompt = prompt
	if f.err != nil {
		return f.err
	}
	return DecodeResponse(f.answer, out)
}

func TestCallExtractEntities(t *testing.T) {
	client := &fakeStructured{
		answer: `{"entities":[{"type":"email","surface_form":"a@b.io","confidence":0.8},]}`,
	}
	res, err := CallExtractEntities(context.Background(), client, "write to a@b.io please", 8, 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].SurfaceForm != "a@b.io" {
		t.Fatalf("expected one email entity, got %+v", res.Entities)
	}
	if want := "\nwrite to\n"; !strings.Contains(client.prompt, want) {
		t.Fatalf("expected prompt to carry truncated text %q, got %q", want, client.prompt)
	}

	empty, err := CallExtractEntities(context.Background(), client, "   ", 0, 1)
	if err != nil || len(empty.Entities) != 0 {
		t.Fatalf("expected empty response for blank text, got %+v, %v", empty, err)
	}

	if _, err := CallExtractEntities(context.Background(), nil, "x", 0, 1); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
