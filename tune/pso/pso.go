// Package pso implements a global-best particle swarm over a box-bounded
// search space. Positions are rows of a particles × dims matrix.
package pso

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Options are the swarm coefficients and the early-stopping rule.
type Options struct {
	C1 float64 // cognitive
	C2 float64 // social
	W  float64 // inertia
	// FTol stops the search once the best cost moved less than FTol·(1+|best|)
	// for FTolIter consecutive iterations. Zero disables it.
	FTol     float64
	FTolIter int
}

// Objective scores every row of positions. A returned error aborts the search.
type Objective func(ctx context.Context, positions *mat.Dense) ([]float64, error)

// IterationHook observes the swarm after each iteration.
type IterationHook func(iter int, bestCost float64, bestPos []float64)

// Result is the outcome of Optimize.
type Result struct {
	BestCost    float64
	BestPos     []float64
	CostHistory []float64
	Iterations  int
	Converged   bool
}

// GlobalBest is a swarm in which every particle is attracted to the best
// position found by any particle.
type GlobalBest struct {
	particles    int
	dims         int
	lower, upper []float64
	opts         Options
	rng          *rand.Rand
	init         *mat.Dense
	hook         IterationHook
}

// Option customizes a GlobalBest.
type Option func(*GlobalBest)

// WithInitialPositions seeds the first rows of the swarm, e.g. from a previous
// session. Extra rows are ignored; missing rows are drawn uniformly.
func WithInitialPositions(m *mat.Dense) Option {
	return func(g *GlobalBest) { g.init = m }
}

// WithIterationHook installs h.
func WithIterationHook(h IterationHook) Option {
	return func(g *GlobalBest) { g.hook = h }
}

// NewGlobalBest validates the bounds and builds a swarm.
func NewGlobalBest(particles int, lower, upper []float64, opts Options, seed uint64, options ...Option) (*GlobalBest, error) {
	if particles < 1 {
		return nil, fmt.Errorf("pso: particles must be >= 1, got %d", particles)
	}
	if len(lower) == 0 || len(lower) != len(upper) {
		return nil, fmt.Errorf("pso: bounds must be non-empty and of equal length, got %d and %d", len(lower), len(upper))
	}
	for i := range lower {
		if !(lower[i] <= upper[i]) {
			return nil, fmt.Errorf("pso: lower[%d]=%v exceeds upper[%d]=%v", i, lower[i], i, upper[i])
		}
	}
	g := &GlobalBest{
		particles: particles,
		dims:      len(lower),
		lower:     append([]float64(nil), lower...),
		upper:     append([]float64(nil), upper...),
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
	}
	for _, o := range options {
		o(g)
	}
	if g.init != nil {
		if _, c := g.init.Dims(); c != g.dims {
			return nil, fmt.Errorf("pso: initial positions have %d columns, want %d", c, g.dims)
		}
	}
	return g, nil
}

func (g *GlobalBest) initialPositions() *mat.Dense {
	pos := mat.NewDense(g.particles, g.dims, nil)
	seeded := 0
	if g.init != nil {
		seeded, _ = g.init.Dims()
	}
	for i := 0; i < g.particles; i++ {
		for j := 0; j < g.dims; j++ {
			if i < seeded {
				pos.Set(i, j, clip(g.init.At(i, j), g.lower[j], g.upper[j]))
				continue
			}
			pos.Set(i, j, g.lower[j]+g.rng.Float64()*(g.upper[j]-g.lower[j]))
		}
	}
	return pos
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Optimize runs at most iters iterations of the swarm against f.
func (g *GlobalBest) Optimize(ctx context.Context, f Objective, iters int) (Result, error) {
	pos := g.initialPositions()
	vel := mat.NewDense(g.particles, g.dims, nil)
	for i := 0; i < g.particles; i++ {
		for j := 0; j < g.dims; j++ {
			span := g.upper[j] - g.lower[j]
			vel.Set(i, j, (2*g.rng.Float64()-1)*span*0.1)
		}
	}
	pbest := mat.DenseCopyOf(pos)
	pbestCost := make([]float64, g.particles)
	for i := range pbestCost {
		pbestCost[i] = math.Inf(1)
	}

	res := Result{BestCost: math.Inf(1), BestPos: mat.Row(nil, 0, pos)}
	stall := 0
	for it := 0; it < iters; it++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		costs, err := f(ctx, mat.DenseCopyOf(pos))
		if err != nil {
			return res, err
		}
		if len(costs) != g.particles {
			return res, fmt.Errorf("pso: objective returned %d costs for %d particles", len(costs), g.particles)
		}
		prevBest := res.BestCost
		for i, c := range costs {
			if c < pbestCost[i] {
				pbestCost[i] = c
				pbest.SetRow(i, mat.Row(nil, i, pos))
			}
			if c < res.BestCost {
				res.BestCost = c
				res.BestPos = mat.Row(nil, i, pos)
			}
		}
		res.CostHistory = append(res.CostHistory, res.BestCost)
		res.Iterations = it + 1
		logrus.Debugf("pso: iteration %d best cost %.6g", it+1, res.BestCost)
		if g.hook != nil {
			g.hook(it+1, res.BestCost, append([]float64(nil), res.BestPos...))
		}

		if g.opts.FTol > 0 && it > 0 && !math.IsInf(res.BestCost, 0) {
			if math.Abs(res.BestCost-prevBest) < g.opts.FTol*(1+math.Abs(res.BestCost)) {
				stall++
			} else {
				stall = 0
			}
			if stall >= max(1, g.opts.FTolIter) {
				res.Converged = true
				logrus.Infof("pso: converged after %d iterations (best cost %.6g)", it+1, res.BestCost)
				return res, nil
			}
		}
		if it == iters-1 {
			break
		}
		g.step(pos, vel, pbest, res.BestPos)
	}
	return res, nil
}

// step moves every particle: v = w·v + c1·r1·(pbest−x) + c2·r2·(gbest−x), x += v,
// then clips x to the bounds and zeroes velocity components that hit a wall.
func (g *GlobalBest) step(pos, vel, pbest *mat.Dense, gbest []float64) {
	for i := 0; i < g.particles; i++ {
		for j := 0; j < g.dims; j++ {
			x := pos.At(i, j)
			v := g.opts.W*vel.At(i, j) +
				g.opts.C1*g.rng.Float64()*(pbest.At(i, j)-x) +
				g.opts.C2*g.rng.Float64()*(gbest[j]-x)
			nx := x + v
			if nx < g.lower[j] || nx > g.upper[j] {
				nx = clip(nx, g.lower[j], g.upper[j])
				v = 0
			}
			vel.Set(i, j, v)
			pos.Set(i, j, nx)
		}
	}
}
