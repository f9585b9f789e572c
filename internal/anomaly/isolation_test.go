package anomaly

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationForest_FlagsExtremeValue(t *testing.T) {
	values := make([]float64, 51)
	for i := range values {
		values[i] = 45 + float64(i%10)*0.1
	}
	values[25] = 1000

	f := NewIsolationForest()
	flags, err := f.Outliers(context.Background(), values)
	require.NoError(t, err)
	require.Len(t, flags, len(values))
	assert.True(t, flags[25])

	count := 0
	for _, fl := range flags {
		if fl {
			count++
		}
	}
	assert.LessOrEqual(t, count, 5)

	again, err := f.Outliers(context.Background(), values)
	require.NoError(t, err)
	assert.Equal(t, flags, again)
}

func TestIsolationForest_TooFewValues(t *testing.T) {
	_, err := NewIsolationForest().Outliers(context.Background(), []float64{1})
	assert.Error(t, err)
}

func TestIsolationForest_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewIsolationForest().Outliers(ctx, spike(30, 0, 9))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisabled(t *testing.T) {
	flags, err := Disabled{}.Outliers(context.Background(), []float64{1, 2, 1000})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, flags)
}

func TestAveragePathAndQuantile(t *testing.T) {
	assert.Equal(t, 0.0, averagePath(1))
	assert.Equal(t, 1.0, averagePath(2))
	assert.InDelta(t, 10.24, averagePath(256), 0.01)

	assert.InDelta(t, 9.1, quantile([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.91), 1e-9)
	assert.InDelta(t, 2.5, quantile([]float64{4, 1, 3, 2}, 0.5), 1e-12)
}

// zeroSource makes every random split land on the lower bound.
type zeroSource struct{}

func (zeroSource) Int63() int64 { return 0 }
func (zeroSource) Seed(int64)   {}

func TestGrow_SplitAtLowerBound(t *testing.T) {
	rng := rand.New(zeroSource{})
	var root *node
	require.NotPanics(t, func() { root = grow(rng, []float64{1, 2, 3, 4}, 0, 3) })
	require.NotNil(t, root.left)
	assert.Zero(t, root.left.size)
	assert.Greater(t, root.pathLength(2, 0), 0.0)

	assert.Equal(t, &node{}, grow(rng, nil, 0, 3))
}
