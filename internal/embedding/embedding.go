// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrUnavailable reports that no embedding could be produced. Callers fall
// back to lexical scoring when they see it.
var ErrUnavailable = errors.New("embedding unavailable")

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Options selects and configures a provider.
type Options struct {
	Provider  string // "ollama" | "openai" | "hash" | "" (disabled)
	Model     string
	URL       string
	APIKey    string
	Dims      int
	CacheSize int64 // max cached vectors; 0 disables caching
}

// New builds the configured embedder. It returns nil, nil when embeddings are
// disabled, in which case ranking is purely lexical.
func New(opts Options) (Embedder, error) {
	var e Embedder
	switch opts.Provider {
	case "":
		return nil, nil
	case "ollama":
		oe, err := NewOllamaEmbedder(opts.URL, opts.Model, opts.Dims)
		if err != nil {
			return nil, err
		}
		e = oe
	case "openai":
		e = NewOpenAIEmbedder(opts.URL, opts.APIKey, opts.Model, opts.Dims)
	case "hash":
		e = NewHashEmbedder(opts.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: ollama, openai, hash)", opts.Provider)
	}

	if opts.CacheSize > 0 {
		ce, err := NewCachedEmbedder(e, opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		e = ce
	}
	return e, nil
}
