// Package hashing implements an offline embedder that maps term frequencies
// into a fixed number of buckets with the signed hashing trick.
package hashing

import (
	"context"
	"hash/fnv"
	"math"

	"machina/internal/textutil"
)

// DefaultDimension matches the width of common sentence-embedding models.
const DefaultDimension = 384

// Embedder produces L2-normalized, sublinear term-frequency vectors. It needs
// no corpus preparation, so vectors stay comparable across ingestion batches
// and process restarts.
type Embedder struct {
	model     string
	dimension int
}

// New creates a hashing embedder. model only labels the vectors in stats.
func New(model string, dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	if model == "" {
		model = "hashing"
	}
	return &Embedder{model: model, dimension: dimension}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return e.model }

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// EmbedBatch embeds every text independently.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *Embedder) embed(text string) []float32 {
	tf := make(map[string]int)
	for _, tok := range textutil.Terms(text) {
		tf[tok]++
	}
	acc := make([]float64, e.dimension)
	for term, count := range tf {
		h := fnv.New64a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dimension))
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1.0
		}
		acc[bucket] += sign * (1 + math.Log(float64(count)))
	}
	norm := 0.0
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vec := make([]float32, e.dimension)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}
