package anomaly

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
)

// OutlierDetector marks outliers among a sensor's values.
type OutlierDetector interface {
	Outliers(ctx context.Context, values []float64) ([]bool, error)
}

// Disabled is the null outlier detector; it never flags anything.
type Disabled struct{}

func (Disabled) Outliers(_ context.Context, values []float64) ([]bool, error) {
	return make([]bool, len(values)), nil
}

// IsolationForest scores one-dimensional values by how quickly random
// axis-aligned splits isolate them.
type IsolationForest struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
}

// NewIsolationForest returns a forest with 100 trees, 256 samples per tree,
// a 10% contamination fraction and seed 42.
func NewIsolationForest() *IsolationForest {
	return &IsolationForest{Trees: 100, SampleSize: 256, Contamination: 0.1, Seed: 42}
}

var errTooFewValues = errors.New("anomaly: isolation forest needs at least two values")

// Outliers flags the values whose anomaly score lies strictly above the
// (1-Contamination) quantile of all scores. Equal inputs give equal outputs.
func (f *IsolationForest) Outliers(ctx context.Context, values []float64) ([]bool, error) {
	n := len(values)
	if n < 2 {
		return nil, errTooFewValues
	}
	trees, psi := f.Trees, f.SampleSize
	if trees <= 0 {
		trees = 100
	}
	if psi <= 0 || psi > n {
		psi = min(256, n)
	}
	contamination := f.Contamination
	if contamination <= 0 || contamination >= 0.5 {
		contamination = 0.1
	}

	rng := rand.New(rand.NewSource(f.Seed))
	limit := int(math.Ceil(math.Log2(float64(psi))))
	depths := make([]float64, n)
	sample := make([]float64, psi)
	for t := 0; t < trees; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, j := range rng.Perm(n)[:psi] {
			sample[i] = values[j]
		}
		root := grow(rng, append([]float64(nil), sample...), 0, limit)
		for i, v := range values {
			depths[i] += root.pathLength(v, 0)
		}
	}

	norm := averagePath(psi)
	scores := make([]float64, n)
	for i := range depths {
		scores[i] = math.Pow(2, -(depths[i]/float64(trees))/norm)
	}
	threshold := quantile(scores, 1-contamination)
	out := make([]bool, n)
	for i, s := range scores {
		out[i] = s > threshold
	}
	return out, nil
}

type node struct {
	split       float64
	left, right *node
	size        int
}

func grow(rng *rand.Rand, xs []float64, depth, limit int) *node {
	if len(xs) == 0 {
		return &node{}
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	if depth >= limit || len(xs) <= 1 || lo == hi {
		return &node{size: len(xs)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, x := range xs {
		if x < split {
			left = append(left, x)
		} else {
			right = append(right, x)
		}
	}
	return &node{
		split: split,
		left:  grow(rng, left, depth+1, limit),
		right: grow(rng, right, depth+1, limit),
	}
}

func (n *node) pathLength(x float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + averagePath(n.size)
	}
	if x < n.split {
		return n.left.pathLength(x, depth+1)
	}
	return n.right.pathLength(x, depth+1)
}

// averagePath is the mean path length of an unsuccessful search in a binary
// search tree of n points.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := math.Log(float64(n-1)) + 0.5772156649
	return 2*harmonic - 2*float64(n-1)/float64(n)
}

// quantile uses linear interpolation between closest ranks.
func quantile(xs []float64, q float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
