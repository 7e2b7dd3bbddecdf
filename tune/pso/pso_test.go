package pso

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sphere(center []float64) Objective {
	return func(_ context.Context, pos *mat.Dense) ([]float64, error) {
		r, c := pos.Dims()
		out := make([]float64, r)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				d := pos.At(i, j) - center[j]
				out[i] += d * d
			}
		}
		return out, nil
	}
}

func defaultOptions() Options {
	return Options{C1: 0.5, C2: 0.3, W: 0.9}
}

func TestOptimize_FindsSphereMinimum(t *testing.T) {
	// GIVEN a 2-d bowl centered at (3, -2)
	g, err := NewGlobalBest(20, []float64{-10, -10}, []float64{10, 10}, defaultOptions(), 1)
	require.NoError(t, err)

	// WHEN optimized
	res, err := g.Optimize(context.Background(), sphere([]float64{3, -2}), 200)

	// THEN the best position is near the center and the history never worsens
	require.NoError(t, err)
	assert.InDelta(t, 3, res.BestPos[0], 0.1)
	assert.InDelta(t, -2, res.BestPos[1], 0.1)
	for i := 1; i < len(res.CostHistory); i++ {
		assert.LessOrEqual(t, res.CostHistory[i], res.CostHistory[i-1])
	}
}

func TestOptimize_SameSeedSameResult(t *testing.T) {
	run := func() Result {
		g, err := NewGlobalBest(5, []float64{0}, []float64{1}, defaultOptions(), 42)
		require.NoError(t, err)
		res, err := g.Optimize(context.Background(), sphere([]float64{0.3}), 10)
		require.NoError(t, err)
		return res
	}
	assert.Equal(t, run(), run())
}

func TestOptimize_PositionsStayInBounds(t *testing.T) {
	lower, upper := []float64{1, 100}, []float64{2, 200}
	g, err := NewGlobalBest(8, lower, upper, Options{C1: 2, C2: 2, W: 1.5}, 7)
	require.NoError(t, err)
	_, err = g.Optimize(context.Background(), func(ctx context.Context, pos *mat.Dense) ([]float64, error) {
		r, c := pos.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := pos.At(i, j); v < lower[j] || v > upper[j] {
					t.Fatalf("particle %d dim %d out of bounds: %v", i, j, v)
				}
			}
		}
		return sphere([]float64{0, 0})(ctx, pos)
	}, 30)
	require.NoError(t, err)
}

func TestOptimize_FTolStopsEarly(t *testing.T) {
	g, err := NewGlobalBest(4, []float64{0}, []float64{1}, Options{C1: 0.5, C2: 0.3, W: 0.9, FTol: 1e-3, FTolIter: 2}, 3)
	require.NoError(t, err)
	constant := func(_ context.Context, pos *mat.Dense) ([]float64, error) {
		r, _ := pos.Dims()
		out := make([]float64, r)
		for i := range out {
			out[i] = 5
		}
		return out, nil
	}

	res, err := g.Optimize(context.Background(), constant, 50)

	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 3, res.Iterations)
}

func TestOptimize_AllInfeasible(t *testing.T) {
	g, err := NewGlobalBest(3, []float64{0}, []float64{1}, Options{FTol: 1e-3, FTolIter: 1}, 3)
	require.NoError(t, err)
	res, err := g.Optimize(context.Background(), func(_ context.Context, pos *mat.Dense) ([]float64, error) {
		return []float64{math.Inf(1), math.Inf(1), math.Inf(1)}, nil
	}, 4)
	require.NoError(t, err)
	assert.True(t, math.IsInf(res.BestCost, 1))
	assert.Equal(t, 4, res.Iterations, "ftol never fires on an infinite best")
}

func TestOptimize_ObjectiveErrorAborts(t *testing.T) {
	boom := errors.New("session abort")
	g, err := NewGlobalBest(3, []float64{0}, []float64{1}, defaultOptions(), 3)
	require.NoError(t, err)
	_, err = g.Optimize(context.Background(), func(context.Context, *mat.Dense) ([]float64, error) {
		return nil, boom
	}, 4)
	assert.ErrorIs(t, err, boom)
}

func TestWithInitialPositions_SeedsLeadingRows(t *testing.T) {
	seed := mat.NewDense(2, 2, []float64{0.25, 0.5, 5, -5})
	g, err := NewGlobalBest(3, []float64{0, 0}, []float64{1, 1}, defaultOptions(), 9, WithInitialPositions(seed))
	require.NoError(t, err)

	var first *mat.Dense
	_, err = g.Optimize(context.Background(), func(ctx context.Context, pos *mat.Dense) ([]float64, error) {
		if first == nil {
			first = pos
		}
		return sphere([]float64{0, 0})(ctx, pos)
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, []float64{0.25, 0.5}, mat.Row(nil, 0, first))
	assert.Equal(t, []float64{1, 0}, mat.Row(nil, 1, first), "seeded rows are clipped to bounds")

	_, err = NewGlobalBest(3, []float64{0}, []float64{1}, defaultOptions(), 9, WithInitialPositions(seed))
	assert.Error(t, err, "column mismatch")
}

func TestNewGlobalBest_RejectsBadBounds(t *testing.T) {
	_, err := NewGlobalBest(3, []float64{1}, []float64{0}, defaultOptions(), 1)
	assert.Error(t, err)
	_, err = NewGlobalBest(3, nil, nil, defaultOptions(), 1)
	assert.Error(t, err)
	_, err = NewGlobalBest(0, []float64{0}, []float64{1}, defaultOptions(), 1)
	assert.Error(t, err)
}
