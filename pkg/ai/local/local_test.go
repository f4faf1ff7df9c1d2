package local

import (
	"context"
	"math"
	"reflect"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, _ := e.Embed(context.Background(), "Send the wallet seed tonight")
	b, _ := e.Embed(context.Background(), "Send the wallet seed tonight")
	if !reflect.DeepEqual(a, b) {
		t.Fatal("expected identical vectors for identical text")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 dimensions, got %d", len(a))
	}
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("expected unit vector, got norm %f", norm)
	}
}

func TestHashEmbedderSimilarity(t *testing.T) {
	e := NewHashEmbedder(DefaultDimensions)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "bitcoin wallet transfer")
	near, _ := e.Embed(ctx, "transfer to my bitcoin wallet")
	far, _ := e.Embed(ctx, "see you at lunch tomorrow")

	if cosine(q, near) <= cosine(q, far) {
		t.Fatalf("expected related text to be closer: near=%f far=%f", cosine(q, near), cosine(q, far))
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	e := NewHashEmbedder(8)
	v, err := e.Embed(context.Background(), "  ")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if v[0] != 1 {
		t.Fatalf("expected fallback direction, got %v", v)
	}
	if e.ModelVersion() != "local-hash-v1-8" {
		t.Fatalf("unexpected model version %q", e.ModelVersion())
	}
}
