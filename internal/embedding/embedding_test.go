package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	e, err := New(Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e != nil {
		t.Error("expected nil embedder when no provider configured")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Options{Provider: "word2vec"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(128)

	a, _ := e.Embed(ctx, "I love my dog Biscuit")
	b, _ := e.Embed(ctx, "my dog Biscuit loves walks")
	c, _ := e.Embed(ctx, "quarterly tax filing deadline")

	if len(a) != 128 {
		t.Fatalf("expected 128 dims, got %d", len(a))
	}
	if CosineSimilarity(a, b) <= CosineSimilarity(a, c) {
		t.Errorf("expected overlapping texts to be more similar: ab=%f ac=%f",
			CosineSimilarity(a, b), CosineSimilarity(a, c))
	}
	again, _ := e.Embed(ctx, "I love my dog Biscuit")
	if CosineSimilarity(a, again) < 0.999 {
		t.Error("expected deterministic vectors")
	}
}

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return Vector{1, 2, 3}, nil
}

func (c *countingEmbedder) Dims() int { return 3 }

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	e, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer e.Close()

	if _, err := e.Embed(ctx, "hello"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	e.Wait()
	if _, err := e.Embed(ctx, "hello"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}
	if e.Dims() != 3 {
		t.Errorf("expected dims 3, got %d", e.Dims())
	}
}

func TestCachedEmbedder_DoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{err: ErrUnavailable}
	e, _ := NewCachedEmbedder(inner, 100)
	defer e.Close()

	for i := 0; i < 2; i++ {
		if _, err := e.Embed(ctx, "x"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}
	if inner.calls != 2 {
		t.Errorf("expected errors to bypass cache, got %d calls", inner.calls)
	}
}
