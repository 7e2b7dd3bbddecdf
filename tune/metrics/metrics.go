// Package metrics exposes the progress of an optimization session as
// Prometheus collectors.
package metrics

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-sim/autotune/tune"
)

// Recorder holds the session collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	evaluations    *prometheus.CounterVec
	evalDuration   prometheus.Histogram
	bestFitness    prometheus.Gauge
	lastFitness    prometheus.Gauge
	generateSpeed  prometheus.Gauge
	iteration      prometheus.Gauge
	fineTuneSteps  *prometheus.CounterVec
	sessionAborted prometheus.Counter

	mu   sync.Mutex
	best float64
}

// New builds the collectors and registers them with registry.
func New(registry prometheus.Registerer) *Recorder {
	r := &Recorder{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autotune_evaluations_total",
				Help: "Total number of candidate evaluations by outcome",
			},
			[]string{"phase", "outcome"},
		),
		evalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autotune_evaluation_duration_seconds",
				Help:    "Wall time of one candidate evaluation",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotune_best_fitness",
			Help: "Lowest finite fitness seen in the session",
		}),
		lastFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotune_last_fitness",
			Help: "Fitness of the most recent evaluation (+Inf when infeasible)",
		}),
		generateSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotune_last_generate_speed_tokens_per_second",
			Help: "Generate speed measured by the most recent evaluation",
		}),
		iteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotune_swarm_iteration",
			Help: "Current swarm iteration",
		}),
		fineTuneSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autotune_fine_tune_steps_total",
				Help: "Local search steps by outcome",
			},
			[]string{"outcome"},
		),
		sessionAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotune_session_aborts_total",
			Help: "Sessions aborted by a session-level error",
		}),
	}
	r.best = math.Inf(1)
	r.bestFitness.Set(r.best)
	registry.MustRegister(r.evaluations, r.evalDuration, r.bestFitness, r.lastFitness,
		r.generateSpeed, r.iteration, r.fineTuneSteps, r.sessionAborted)
	return r
}

// Evaluation records one finished candidate. phase is "baseline", "swarm" or "refine".
func (r *Recorder) Evaluation(phase string, rec tune.Record) {
	if r == nil {
		return
	}
	outcome := "feasible"
	switch {
	case rec.Error != "":
		outcome = "error"
	case !rec.Feasible():
		outcome = "infeasible"
	}
	r.evaluations.WithLabelValues(phase, outcome).Inc()
	r.evalDuration.Observe(rec.Duration.Seconds())
	r.lastFitness.Set(rec.Fitness)
	if !math.IsNaN(rec.Perf.GenerateSpeed) {
		r.generateSpeed.Set(rec.Perf.GenerateSpeed)
	}
	if rec.Feasible() {
		r.improve(rec.Fitness)
	}
}

// CacheHit counts a candidate answered from the history without a run.
func (r *Recorder) CacheHit(phase string) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(phase, "cached").Inc()
}

func (r *Recorder) improve(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f < r.best {
		r.best = f
		r.bestFitness.Set(f)
	}
}

// Iteration records the swarm progress.
func (r *Recorder) Iteration(iter int, best float64) {
	if r == nil {
		return
	}
	r.iteration.Set(float64(iter))
	if !math.IsInf(best, 0) && !math.IsNaN(best) {
		r.improve(best)
	}
}

// FineTuneStep counts one local-search step by outcome kind.
func (r *Recorder) FineTuneStep(outcome string) {
	if r == nil {
		return
	}
	r.fineTuneSteps.WithLabelValues(outcome).Inc()
}

// Aborted counts a session abort.
func (r *Recorder) Aborted() {
	if r == nil {
		return
	}
	r.sessionAborted.Inc()
}
