package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnavailable is returned by the null embedder installed when no working
// embedding provider could be set up.
var ErrUnavailable = errors.New("embedding: provider unavailable")

// Embedder converts free text into fixed-dimension vectors.
type Embedder interface {
	Name() string
	// Dimension is zero until the provider has produced its first vector.
	Dimension() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Available reports whether e can produce vectors.
func Available(e Embedder) bool {
	if e == nil {
		return false
	}
	_, null := e.(Unavailable)
	return !null && e.Dimension() > 0
}

// Unavailable is the null-object embedder.
type Unavailable struct {
	Reason string
}

func (Unavailable) Name() string   { return "unavailable" }
func (Unavailable) Dimension() int { return 0 }

func (u Unavailable) EmbedBatch(context.Context, []string) ([][]float32, error) {
	if u.Reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
	}
	return nil, ErrUnavailable
}

const probeText = "machine telemetry probe"

// Probe checks once, at startup, that candidate can embed text. It returns the
// candidate when it works and the null embedder otherwise, so callers never
// branch on provider availability again.
func Probe(ctx context.Context, candidate Embedder, logger *slog.Logger) Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if candidate == nil {
		logger.Warn("embedding provider not configured, retrieval disabled")
		return Unavailable{Reason: "not configured"}
	}
	vecs, err := candidate.EmbedBatch(ctx, []string{probeText})
	if err != nil {
		logger.Warn("embedding provider unavailable, retrieval disabled", "provider", candidate.Name(), "err", err)
		return Unavailable{Reason: err.Error()}
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		logger.Warn("embedding provider returned no vector, retrieval disabled", "provider", candidate.Name())
		return Unavailable{Reason: "empty probe vector"}
	}
	logger.Info("embedding provider ready", "provider", candidate.Name(), "dimension", candidate.Dimension())
	return candidate
}
