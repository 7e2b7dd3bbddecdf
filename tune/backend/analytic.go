package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/cache"
)

// Metric indices stored in the prediction cache, one row per metric.
const (
	metricSpeed = iota
	metricTTFT
	metricTPOT
	metricSuccess
	numMetrics
)

// MetricColumn is the extra cache feature column holding the metric index.
const MetricColumn = "metric"

// Analytic stands in for a real server and benchmark: it predicts steady-state
// performance from alpha/beta step-time coefficients. It is both the
// TargetServer and the Benchmark of a simulated session.
//
// Step time (µs) is beta0 + beta1·prefillTokens + beta2·decodeTokens.
// Queueing overhead is alpha0 + alpha1·promptTokens; alpha2 is the per-token
// output processing time.
type Analytic struct {
	alpha, beta   []float64
	totalKVBlocks int64
	blockSize     int64
	bench         tune.BenchmarkSettings
	cache         *cache.Cache

	mu        sync.Mutex
	applied   tune.Params
	prepared  tune.Params
	stage     tune.Stage
	backupDir string
	lastOK    bool
}

// NewAnalytic validates the coefficients. c may be nil to disable caching.
func NewAnalytic(sim tune.SimulatorSettings, bench tune.BenchmarkSettings, c *cache.Cache) (*Analytic, error) {
	if len(sim.AlphaCoeffs) < 3 {
		return nil, fmt.Errorf("analytic model: alpha_coeffs requires at least 3 elements, got %d", len(sim.AlphaCoeffs))
	}
	if len(sim.BetaCoeffs) < 3 {
		return nil, fmt.Errorf("analytic model: beta_coeffs requires at least 3 elements, got %d", len(sim.BetaCoeffs))
	}
	for name, coeffs := range map[string][]float64{"alpha_coeffs": sim.AlphaCoeffs, "beta_coeffs": sim.BetaCoeffs} {
		for i, c := range coeffs {
			if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 {
				return nil, fmt.Errorf("analytic model: %s[%d] must be finite and >= 0, got %v", name, i, c)
			}
		}
	}
	if sim.TotalKVBlocks <= 0 || sim.BlockSize <= 0 {
		return nil, fmt.Errorf("analytic model: total_kv_blocks and block_size must be > 0")
	}
	if bench.PromptTokens <= 0 || bench.OutputTokens <= 0 {
		return nil, fmt.Errorf("analytic model: prompt_tokens and output_tokens must be > 0")
	}
	return &Analytic{
		alpha:         sim.AlphaCoeffs,
		beta:          sim.BetaCoeffs,
		totalKVBlocks: sim.TotalKVBlocks,
		blockSize:     sim.BlockSize,
		bench:         bench,
		cache:         c,
		stage:         tune.StageStopped,
	}, nil
}

func (a *Analytic) UpdateConfig(params tune.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = params.Clone()
	return nil
}

func (a *Analytic) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applied == nil {
		return fmt.Errorf("analytic model: no configuration applied")
	}
	a.stage = tune.StageRunning
	return nil
}

func (a *Analytic) Stop(context.Context, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stage = tune.StageStopped
	return nil
}

func (a *Analytic) Health(context.Context) tune.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return tune.Health{Stage: a.stage}
}

func (a *Analytic) Poll() *int { return nil }

func (a *Analytic) SetBackupDir(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backupDir = dir
}

// Prepare records the benchmark knobs of the next run. Server fields come
// from the last UpdateConfig; CONCURRENCY and REQUESTRATE from params.
func (a *Analytic) Prepare(params tune.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prepared = params.Clone()
	return nil
}

// Run predicts the performance of the applied configuration under the prepared load.
func (a *Analytic) Run(ctx context.Context) (tune.PerformanceIndex, error) {
	if err := ctx.Err(); err != nil {
		return tune.EmptyPerformanceIndex(), err
	}
	a.mu.Lock()
	params := merge(a.applied, a.prepared)
	running := a.stage == tune.StageRunning
	backup := a.backupDir
	a.mu.Unlock()
	if !running {
		return tune.EmptyPerformanceIndex(), fmt.Errorf("analytic model: server not running")
	}

	perf := a.Predict(params)
	a.mu.Lock()
	a.lastOK = !math.IsNaN(perf.GenerateSpeed)
	a.mu.Unlock()
	if backup != "" {
		if err := writePrediction(backup, params, perf); err != nil {
			logrus.Warnf("analytic model: %v", err)
		}
	}
	return perf, nil
}

func (a *Analytic) CheckSuccess() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOK
}

func merge(server, bench tune.Params) tune.Params {
	out := server.Clone()
	for _, b := range bench {
		if _, ok := out.Get(b.Name); ok {
			out = out.Set(b.Name, b.Value)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Predict returns the cached prediction for params, computing and caching it on a miss.
func (a *Analytic) Predict(params tune.Params) tune.PerformanceIndex {
	features := params.Values()
	if a.cache != nil {
		if perf, ok := a.lookup(features); ok {
			return perf
		}
	}
	perf := a.predict(params)
	if a.cache != nil {
		for i, v := range []float64{perf.GenerateSpeed, perf.TimeToFirstToken, perf.TimePerOutputToken, perf.SuccessRate} {
			a.cache.Update(append(append([]float64(nil), features...), float64(i)), v)
		}
	}
	return perf
}

func (a *Analytic) lookup(features []float64) (tune.PerformanceIndex, bool) {
	var vals [numMetrics]float64
	for i := range vals {
		v, ok := a.cache.Lookup(append(append([]float64(nil), features...), float64(i)))
		if !ok {
			return tune.PerformanceIndex{}, false
		}
		vals[i] = v
	}
	return a.assemble(vals[metricSpeed], vals[metricTTFT], vals[metricTPOT], vals[metricSuccess]), true
}

func knob(p tune.Params, name string, def float64) float64 {
	if v, ok := p.Get(name); ok {
		return v
	}
	return def
}

func (a *Analytic) predict(p tune.Params) tune.PerformanceIndex {
	prompt := float64(a.bench.PromptTokens)
	output := float64(a.bench.OutputTokens)

	maxSeqs := knob(p, "max_num_seqs", 256)
	budget := knob(p, "max_num_batched_tokens", 2048)
	chunk := knob(p, "long_prefill_token_threshold", budget)
	if chunk <= 0 {
		chunk = budget
	}
	if knob(p, "enable_chunked_prefill", 1) == 0 {
		chunk = math.Max(prompt, budget)
	}
	memUtil := knob(p, "gpu_memory_utilization", 0.9)
	concurrency := knob(p, tune.FieldConcurrency, maxSeqs)
	rate := knob(p, tune.FieldRequestRate, math.Inf(1))

	blocksPerReq := math.Ceil((prompt + output) / float64(a.blockSize))
	kvBlocks := float64(a.totalKVBlocks) * memUtil / 0.9
	resident := math.Floor(kvBlocks / blocksPerReq)
	if resident < 1 || concurrency < 1 || maxSeqs < 1 || rate <= 0 {
		return a.assemble(math.NaN(), math.NaN(), math.NaN(), 0)
	}
	batch := math.Min(math.Min(maxSeqs, concurrency), resident)

	// Prefill tokens spread across a request's decode steps, bounded by the
	// token budget left after decodes.
	prefillPerStep := math.Min(batch*prompt/output, math.Max(budget-batch, 1))
	stepUS := a.beta[0] + a.beta[1]*prefillPerStep + a.beta[2]*batch
	tpot := (stepUS + a.alpha[2]) / 1e6

	prefillSteps := math.Ceil(prompt / math.Min(chunk, budget))
	serviceTTFT := (a.alpha[0] + a.alpha[1]*prompt + prefillSteps*stepUS) / 1e6
	e2e := serviceTTFT + output*tpot

	capacity := batch / e2e // requests/s
	offered := math.Min(rate, concurrency/e2e)
	rho := offered / capacity
	wait := 0.0
	success := 1.0
	switch {
	case rho < 1:
		wait = serviceTTFT * rho / (1 - rho) / batch
	default:
		wait = e2e
		success = 1 / rho
	}
	if knob(p, "scheduling_policy", 0) != 0 {
		wait *= 0.95
	}
	ttft := serviceTTFT + wait
	speed := math.Min(offered, capacity) * output
	return a.assemble(speed, ttft, tpot, success)
}

func (a *Analytic) assemble(speed, ttft, tpot, success float64) tune.PerformanceIndex {
	perf := tune.EmptyPerformanceIndex()
	perf.GenerateSpeed = speed
	perf.TimeToFirstToken = ttft
	perf.TimePerOutputToken = tpot
	perf.SuccessRate = success
	// Total token throughput counts prompt tokens too.
	perf.Throughput = speed * float64(a.bench.PromptTokens+a.bench.OutputTokens) / float64(a.bench.OutputTokens)
	if !math.IsNaN(ttft) {
		perf.TTFT = spread(ttft)
	}
	if !math.IsNaN(tpot) {
		perf.TPOT = spread(tpot)
	}
	return perf
}

// spread fills a distribution around a predicted mean with fixed tail ratios.
func spread(mean float64) tune.Distribution {
	return tune.Distribution{Mean: mean, Min: 0.5 * mean, Max: 2.5 * mean, P75: 1.2 * mean, P90: 1.5 * mean, P99: 2 * mean}
}

func writePrediction(dir string, params tune.Params, perf tune.PerformanceIndex) error {
	doc := map[string]interface{}{"params": params.Map()}
	metrics := make(map[string]interface{}, len(tune.PerformanceColumns))
	for i, v := range perf.Values() {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			metrics[tune.PerformanceColumns[i]] = v
		}
	}
	doc["performance"] = metrics
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out := filepath.Join(dir, "benchmark")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(out, "prediction.json"), data, 0o644)
}
