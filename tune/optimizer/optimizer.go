// Package optimizer runs an optimization session: a baseline run at the
// default configuration, a particle swarm over the active fields, local
// refinement of the best candidates and SLO-aware selection of the winner.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/cache"
	"github.com/inference-sim/autotune/tune/comm"
	"github.com/inference-sim/autotune/tune/finetune"
	"github.com/inference-sim/autotune/tune/metrics"
	"github.com/inference-sim/autotune/tune/pso"
	"github.com/inference-sim/autotune/tune/store"
)

// Evaluation phases, used as metric labels.
const (
	PhaseBaseline = "baseline"
	PhaseSwarm    = "swarm"
	PhaseRefine   = "refine"
)

// Runner evaluates one configuration on the target server.
type Runner interface {
	// RunWithRequestRate measures params and returns the params the
	// measurement was actually taken at, which may differ in REQUESTRATE.
	RunWithRequestRate(ctx context.Context, params tune.Params) (tune.Params, tune.PerformanceIndex, error)
}

// Candidate is one (fitness, params, performance) triple considered for the final pick.
type Candidate struct {
	Fitness float64
	Params  tune.Params
	Perf    tune.PerformanceIndex
}

// Result summarizes a session.
type Result struct {
	Best        Candidate
	Baseline    Candidate
	Candidates  []Candidate
	CostHistory []float64
	Evaluations int
	History     []tune.Record
}

// AbortError ends a session early. Last is the most recent feasible evaluation, if any.
type AbortError struct {
	Evaluations int
	Last        *tune.Record
	Err         error
}

func (e *AbortError) Error() string {
	last, fitness := "none", math.Inf(1)
	if e.Last != nil {
		last, fitness = e.Last.Params.String(), e.Last.Fitness
	}
	return fmt.Sprintf("optimization aborted after %d evaluations; last successful candidate %s (fitness %s): %v",
		e.Evaluations, last, tune.FormatFloat(fitness), e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// sessionLevel reports errors that invalidate the whole session rather than one candidate.
func sessionLevel(err error) bool {
	var cre *tune.ConfigResolutionError
	return errors.As(err, &cre) || errors.Is(err, comm.ErrProtocolViolation) ||
		errors.Is(err, context.Canceled)
}

// PSOOptimizer owns the search state of one session. Candidates are evaluated
// strictly one at a time.
type PSOOptimizer struct {
	settings       tune.Settings
	fields         tune.Fields
	runner         Runner
	fine           *finetune.FineTune
	ledger         tune.Ledger
	metrics        *metrics.Recorder
	cache          *cache.Cache
	historyDir     string
	loadBreakpoint bool

	history     []tune.Record
	swept       []sweptRun
	evaluations int
	lastGood    *tune.Record
	costHistory []float64

	DefaultRes      tune.PerformanceIndex
	DefaultFitness  float64
	DefaultRunParam tune.Params
}

// sweptRun remembers a requested point whose measurement was credited to
// other params by the rate sweep.
type sweptRun struct {
	requested tune.Params
	rec       tune.Record
}

// Option customizes a PSOOptimizer.
type Option func(*PSOOptimizer)

// WithLedger names the ledger whose best records seed refinement.
func WithLedger(l tune.Ledger) Option {
	return func(o *PSOOptimizer) { o.ledger = l }
}

// WithMetrics reports progress to r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *PSOOptimizer) { o.metrics = r }
}

// WithCache flushes c after every evaluation so predictions survive a restart.
func WithCache(c *cache.Cache) Option {
	return func(o *PSOOptimizer) { o.cache = c }
}

// WithBreakpoint resumes from the ledger files in dir.
func WithBreakpoint(dir string) Option {
	return func(o *PSOOptimizer) {
		o.historyDir = dir
		o.loadBreakpoint = true
	}
}

// New builds an optimizer over settings.Fields.
func New(settings tune.Settings, runner Runner, opts ...Option) *PSOOptimizer {
	o := &PSOOptimizer{
		settings:       settings,
		fields:         settings.Fields,
		runner:         runner,
		fine:           finetune.New(settings.SLO, settings.Fields),
		DefaultFitness: math.Inf(1),
		DefaultRes:     tune.EmptyPerformanceIndex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FineTune returns the scorer, e.g. for a ledger that stores fitness.
func (o *PSOOptimizer) FineTune() *finetune.FineTune { return o.fine }

// History returns the evaluations known to the session, reloaded ones first.
func (o *PSOOptimizer) History() []tune.Record { return o.history }

// Dimensions is the number of searchable fields.
func (o *PSOOptimizer) Dimensions() int { return o.fields.Dimensions() }

// ConstructingBounds returns the [min, max] box of the active fields.
func (o *PSOOptimizer) ConstructingBounds() (lower, upper []float64) {
	return o.fields.Active().Bounds()
}

// IsWithinBoundary reports whether every coordinate of pos lies in [lower_i, upper_i].
func IsWithinBoundary(pos, lower, upper []float64) bool {
	if len(pos) != len(lower) || len(pos) != len(upper) {
		return false
	}
	for i, v := range pos {
		if math.IsNaN(v) || v < lower[i] || v > upper[i] {
			return false
		}
	}
	return true
}

// ParamsInRecords returns the first record whose params equal p element-wise.
func ParamsInRecords(p tune.Params, records []tune.Record) (tune.Record, bool) {
	for _, r := range records {
		if r.Params.Equal(p) {
			return r, true
		}
	}
	return tune.Record{}, false
}

// ComputerFitness converts ledger rows into records scored with the current
// SLO settings. Rows missing a field column are skipped.
func (o *PSOOptimizer) ComputerFitness(rows []map[string]string) []tune.Record {
	recs := store.RecordsFromRows(rows, o.fields)
	for i := range recs {
		if recs[i].Error != "" {
			recs[i].Fitness = math.Inf(1)
			continue
		}
		recs[i].Fitness = o.fine.Fitness(recs[i].Perf)
	}
	return recs
}

// PreparePlugin reloads the breakpoint, if requested, and measures the baseline.
func (o *PSOOptimizer) PreparePlugin(ctx context.Context) error {
	if o.loadBreakpoint {
		rows, err := store.LoadHistory(o.historyDir)
		if err != nil {
			logrus.Warnf("optimizer: no breakpoint to resume from: %v", err)
		} else {
			o.history = append(o.history, o.ComputerFitness(rows)...)
			logrus.Infof("optimizer: resumed %d evaluations from %s", len(o.history), o.historyDir)
		}
		if o.cache != nil {
			logrus.Infof("optimizer: prediction cache holds %d rows", o.cache.Len())
		}
	}

	params, err := tune.Resolve(o.fields.Defaults(), o.fields)
	if err != nil {
		return err
	}
	rec, err := o.measure(ctx, PhaseBaseline, params)
	if err != nil {
		return err
	}
	o.DefaultRunParam, o.DefaultRes, o.DefaultFitness = rec.Params, rec.Perf, rec.Fitness
	logrus.Infof("optimizer: baseline %v: fitness %s, %s", rec.Params, tune.FormatFloat(rec.Fitness), rec.Perf)
	return nil
}

// measure answers from the history when params were already evaluated and
// runs them otherwise.
func (o *PSOOptimizer) measure(ctx context.Context, phase string, params tune.Params) (tune.Record, error) {
	if rec, ok := ParamsInRecords(params, o.history); ok {
		o.metrics.CacheHit(phase)
		logrus.Debugf("optimizer: %v already evaluated (fitness %s)", params, tune.FormatFloat(rec.Fitness))
		return rec, nil
	}
	for _, sw := range o.swept {
		if sw.requested.Equal(params) {
			o.metrics.CacheHit(phase)
			return sw.rec, nil
		}
	}
	return o.evaluate(ctx, phase, params)
}

// evaluate runs params once. Candidate failures become +Inf; only
// session-level errors are returned. The record holds the params the
// measurement was taken at.
func (o *PSOOptimizer) evaluate(ctx context.Context, phase string, params tune.Params) (tune.Record, error) {
	start := time.Now()
	ran, perf, err := o.runner.RunWithRequestRate(ctx, params)
	if ran == nil {
		ran = params
	}
	rec := tune.Record{Params: ran, Perf: perf, Duration: time.Since(start)}
	if err != nil {
		if sessionLevel(err) || ctx.Err() != nil {
			return rec, err
		}
		rec.Fitness = math.Inf(1)
		rec.Error = err.Error()
		logrus.Warnf("optimizer: candidate %v is infeasible: %v", params, err)
	} else {
		rec.Fitness = o.fine.Fitness(perf)
		if !rec.Feasible() {
			logrus.Warnf("optimizer: candidate %v is infeasible: %s", params, perf)
		}
	}

	o.evaluations++
	o.history = append(o.history, rec)
	if !ran.Equal(params) {
		logrus.Debugf("optimizer: %v measured at %v", params, ran)
		o.swept = append(o.swept, sweptRun{requested: params.Clone(), rec: rec})
	}
	if rec.Feasible() {
		last := rec
		o.lastGood = &last
	}
	o.metrics.Evaluation(phase, rec)
	if o.cache != nil && o.cache.Pending() > 0 {
		if err := o.cache.Save(); err != nil {
			logrus.Warnf("optimizer: saving prediction cache: %v", err)
		}
	}
	return rec, nil
}

// OpFunc is the swarm objective: one cost per row of positions, each row
// holding the active fields.
func (o *PSOOptimizer) OpFunc(ctx context.Context, positions *mat.Dense) ([]float64, error) {
	rows, _ := positions.Dims()
	costs := make([]float64, rows)
	for i := 0; i < rows; i++ {
		full, err := o.fields.Expand(mat.Row(nil, i, positions))
		if err != nil {
			return nil, err
		}
		params, err := tune.Resolve(full, o.fields)
		if err != nil {
			return nil, err
		}
		rec, err := o.measure(ctx, PhaseSwarm, params)
		if err != nil {
			return nil, err
		}
		costs[i] = rec.Fitness
	}
	return costs, nil
}

// warmStart turns the best reloaded records into initial swarm rows.
func (o *PSOOptimizer) warmStart() *mat.Dense {
	if !o.loadBreakpoint {
		return nil
	}
	best := store.BestOf(o.history, o.settings.PSO.Particles)
	var data []float64
	n := 0
	for _, r := range best {
		pos, err := tune.FieldToParam(r.Params, o.fields)
		if err != nil {
			continue
		}
		data = append(data, o.fields.Compress(pos)...)
		n++
	}
	if n == 0 {
		return nil
	}
	return mat.NewDense(n, o.Dimensions(), data)
}

func (o *PSOOptimizer) runSwarm(ctx context.Context) error {
	if o.Dimensions() == 0 {
		logrus.Infof("optimizer: every field is fixed; skipping the swarm")
		return nil
	}
	lower, upper := o.ConstructingBounds()
	p := o.settings.PSO
	options := []pso.Option{pso.WithIterationHook(func(iter int, best float64, _ []float64) {
		o.metrics.Iteration(iter, best)
		o.costHistory = append(o.costHistory, best)
		logrus.Infof("optimizer: iteration %d best fitness %s", iter, tune.FormatFloat(best))
	})}
	if init := o.warmStart(); init != nil {
		r, _ := init.Dims()
		logrus.Infof("optimizer: warm start from %d previous candidates", r)
		options = append(options, pso.WithInitialPositions(init))
	}
	swarm, err := pso.NewGlobalBest(p.Particles, lower, upper,
		pso.Options{C1: p.C1, C2: p.C2, W: p.W, FTol: p.FTol, FTolIter: p.FTolIter}, p.Seed, options...)
	if err != nil {
		return err
	}
	res, err := swarm.Optimize(ctx, o.OpFunc, p.Iterations)
	if err != nil {
		return err
	}
	logrus.Infof("optimizer: swarm finished after %d iterations (converged=%v), best fitness %s",
		res.Iterations, res.Converged, tune.FormatFloat(res.BestCost))
	return nil
}

// refineBounds is the full-field box with half a unit of slack on ratio
// fields, whose positions are rounded against their base.
func (o *PSOOptimizer) refineBounds(params tune.Params) (lower, upper []float64) {
	lower, upper = o.fields.Bounds()
	for i, f := range o.fields {
		if f.DType != tune.DTypeRatio || f.Min > 1 {
			continue
		}
		if base, ok := params.Get(f.Base); ok && base > 0 {
			lower[i] -= 0.5 / base
			upper[i] += 0.5 / base
		}
	}
	return lower, upper
}

// RefineOptimizationCandidates re-measures best and nudges each candidate's
// concurrency and request rate until the local search brackets the SLO. The
// baseline is always the first triple.
func (o *PSOOptimizer) RefineOptimizationCandidates(ctx context.Context, best []tune.Record) ([]Candidate, error) {
	out := []Candidate{{Fitness: o.DefaultFitness, Params: o.DefaultRunParam, Perf: o.DefaultRes}}
	for _, b := range best {
		pos, err := tune.FieldToParam(b.Params, o.fields)
		if err != nil {
			return out, err
		}
		lower, upper := o.refineBounds(b.Params)
		if !IsWithinBoundary(pos, lower, upper) {
			logrus.Warnf("optimizer: rejecting candidate %v outside the field bounds", b.Params)
			continue
		}
		params, err := tune.Resolve(pos, o.fields)
		if err != nil {
			return out, err
		}

		o.fine.Reset()
		rec, err := o.measure(ctx, PhaseRefine, params)
		if err != nil {
			return out, err
		}
		out = append(out, Candidate{Fitness: rec.Fitness, Params: rec.Params, Perf: rec.Perf})
		for step := 0; step < o.settings.SLO.MaxFineTuneSteps && rec.Feasible(); step++ {
			next := o.fine.Step(rec.Params, rec.Perf)
			o.metrics.FineTuneStep(next.Kind.String())
			if next.Kind == finetune.Bracketed {
				break
			}
			if rec, err = o.measure(ctx, PhaseRefine, next.Params); err != nil {
				return out, err
			}
			out = append(out, Candidate{Fitness: rec.Fitness, Params: rec.Params, Perf: rec.Perf})
		}
	}
	return out, nil
}

// BestParams picks the winner. Without latency penalties it is the fastest
// feasible candidate. With penalties it is the lowest fitness among
// candidates meeting every penalized SLO, falling back to the lowest fitness
// overall. Ties go to the first candidate; if none is feasible the first
// candidate is returned.
func (o *PSOOptimizer) BestParams(candidates []Candidate) Candidate {
	if len(candidates) == 0 {
		return Candidate{Fitness: math.Inf(1), Perf: tune.EmptyPerformanceIndex()}
	}
	best := -1
	feasible := func(c Candidate) bool { return !math.IsInf(c.Fitness, 0) && !math.IsNaN(c.Fitness) }

	if o.settings.SLO.TTFTPenalty == 0 && o.settings.SLO.TPOTPenalty == 0 {
		for i, c := range candidates {
			if feasible(c) && (best < 0 || c.Perf.GenerateSpeed > candidates[best].Perf.GenerateSpeed) {
				best = i
			}
		}
	} else {
		for i, c := range candidates {
			if feasible(c) && o.fine.MeetsSLO(c.Perf) && (best < 0 || c.Fitness < candidates[best].Fitness) {
				best = i
			}
		}
		if best < 0 {
			for i, c := range candidates {
				if feasible(c) && (best < 0 || c.Fitness < candidates[best].Fitness) {
					best = i
				}
			}
		}
	}
	if best < 0 {
		best = 0
	}
	return candidates[best]
}

// RunPlugin runs the whole session. On an abort the returned Result still
// carries the best feasible evaluation seen so far.
func (o *PSOOptimizer) RunPlugin(ctx context.Context) (Result, error) {
	if err := o.PreparePlugin(ctx); err != nil {
		return o.abort(err)
	}
	if err := o.runSwarm(ctx); err != nil {
		return o.abort(err)
	}

	k := o.settings.SLO.RefineTopK
	var best []tune.Record
	if o.ledger != nil {
		var err error
		if best, err = o.ledger.Best(ctx, k); err != nil {
			logrus.Warnf("optimizer: reading best records from ledger: %v", err)
			best = nil
		}
	}
	if best == nil {
		best = store.BestOf(o.history, k)
	}

	candidates, err := o.RefineOptimizationCandidates(ctx, best)
	if err != nil {
		return o.abort(err)
	}
	res := o.result(candidates)
	res.Best = o.BestParams(candidates)
	logrus.Infof("optimizer: best %v: fitness %s, %s (baseline fitness %s, %d evaluations)",
		res.Best.Params, tune.FormatFloat(res.Best.Fitness), res.Best.Perf,
		tune.FormatFloat(o.DefaultFitness), o.evaluations)
	return res, nil
}

func (o *PSOOptimizer) result(candidates []Candidate) Result {
	return Result{
		Baseline:    Candidate{Fitness: o.DefaultFitness, Params: o.DefaultRunParam, Perf: o.DefaultRes},
		Candidates:  candidates,
		CostHistory: o.costHistory,
		Evaluations: o.evaluations,
		History:     o.history,
	}
}

func (o *PSOOptimizer) abort(err error) (Result, error) {
	o.metrics.Aborted()
	res := o.result(nil)
	res.Best = Candidate{Fitness: math.Inf(1), Perf: tune.EmptyPerformanceIndex()}
	if top := store.BestOf(o.history, 1); len(top) > 0 {
		res.Best = Candidate{Fitness: top[0].Fitness, Params: top[0].Params, Perf: top[0].Perf}
	}
	aerr := &AbortError{Evaluations: o.evaluations, Last: o.lastGood, Err: err}
	logrus.Errorf("%v", aerr)
	return res, aerr
}
