package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/archive"
)

// DefaultCommand runs vLLM's own serving benchmark.
var DefaultCommand = []string{
	"vllm", "bench", "serve",
	"--base-url", "{base_url}",
	"--model", "{model}",
	"--dataset-name", "random",
	"--random-input-len", "{prompt_tokens}",
	"--random-output-len", "{output_tokens}",
	"--num-prompts", "{num_prompts}",
	"--max-concurrency", "{concurrency}",
	"--request-rate", "{request_rate}",
	"--percentile-metrics", "ttft,tpot",
	"--metric-percentiles", "75,90,99",
	"--save-result",
	"--result-filename", "{result_file}",
}

// Command runs an external benchmark binary and parses its JSON result file.
// Arguments may contain {placeholders} that are filled per run.
type Command struct {
	argv     []string
	settings tune.BenchmarkSettings
	baseURL  string
	model    string
	workDir  string

	mu        sync.Mutex
	vars      map[string]string
	lastOK    bool
	backupDir string
}

// NewCommand builds a Command benchmark; an empty settings.Command uses DefaultCommand.
func NewCommand(baseURL, model, workDir string, s tune.BenchmarkSettings) *Command {
	argv := s.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if workDir == "" {
		workDir = "."
	}
	return &Command{argv: argv, settings: s, baseURL: baseURL, model: model, workDir: workDir}
}

// ResultPath is the JSON file the benchmark writes.
func (c *Command) ResultPath() string {
	if c.settings.ResultFile != "" {
		return c.settings.ResultFile
	}
	return filepath.Join(c.workDir, "benchmark_result.json")
}

func (c *Command) Prepare(params tune.Params) error {
	vars := map[string]string{
		"base_url":      c.baseURL,
		"model":         c.model,
		"prompt_tokens": strconv.Itoa(c.settings.PromptTokens),
		"output_tokens": strconv.Itoa(c.settings.OutputTokens),
		"num_prompts":   strconv.Itoa(c.settings.NumPrompts),
		"result_file":   c.ResultPath(),
		"concurrency":   strconv.Itoa(c.settings.NumPrompts),
		"request_rate":  "inf",
	}
	if v, ok := params.Get(tune.FieldConcurrency); ok {
		vars["concurrency"] = strconv.Itoa(int(v))
	}
	if v, ok := params.Get(tune.FieldRequestRate); ok {
		vars["request_rate"] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	c.mu.Lock()
	c.vars = vars
	c.mu.Unlock()
	return nil
}

// Args expands the placeholders of the command line.
func (c *Command) Args() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.argv))
	for i, a := range c.argv {
		for k, v := range c.vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out[i] = a
	}
	return out
}

func (c *Command) SetBackupDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backupDir = dir
}

func (c *Command) Run(ctx context.Context) (tune.PerformanceIndex, error) {
	args := c.Args()
	c.mu.Lock()
	c.lastOK = false
	backup := c.backupDir
	c.mu.Unlock()

	result := c.ResultPath()
	if err := os.Remove(result); err != nil && !errors.Is(err, os.ErrNotExist) {
		return tune.EmptyPerformanceIndex(), fmt.Errorf("benchmark: clearing old result: %w", err)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.workDir
	out, err := cmd.CombinedOutput()
	logPath := filepath.Join(c.workDir, "benchmark.log")
	if werr := os.WriteFile(logPath, out, 0o644); werr != nil {
		logrus.Warnf("benchmark: writing log: %v", werr)
	}
	if backup != "" {
		for _, src := range []string{logPath, result} {
			if berr := archive.Backup(src, backup, "benchmark"); berr != nil && !errors.Is(berr, os.ErrNotExist) {
				logrus.Warnf("benchmark: backup: %v", berr)
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return tune.EmptyPerformanceIndex(), ctx.Err()
		}
		return tune.EmptyPerformanceIndex(), fmt.Errorf("benchmark: %s: %w", args[0], err)
	}

	data, err := os.ReadFile(result)
	if err != nil {
		return tune.EmptyPerformanceIndex(), fmt.Errorf("benchmark: reading result: %w", err)
	}
	perf, err := ParseResult(data, c.settings.NumPrompts)
	if err != nil {
		return perf, err
	}
	c.mu.Lock()
	c.lastOK = true
	c.mu.Unlock()
	return perf, nil
}

func (c *Command) CheckSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOK
}

// vllmResult is the subset of vLLM's benchmark result file that is used.
// Latencies are in milliseconds.
type vllmResult struct {
	Completed            *float64 `json:"completed"`
	NumPrompts           *float64 `json:"num_prompts"`
	OutputThroughput     *float64 `json:"output_throughput"`
	TotalTokenThroughput *float64 `json:"total_token_throughput"`
	MeanTTFT             *float64 `json:"mean_ttft_ms"`
	P75TTFT              *float64 `json:"p75_ttft_ms"`
	P90TTFT              *float64 `json:"p90_ttft_ms"`
	P99TTFT              *float64 `json:"p99_ttft_ms"`
	MeanTPOT             *float64 `json:"mean_tpot_ms"`
	P75TPOT              *float64 `json:"p75_tpot_ms"`
	P90TPOT              *float64 `json:"p90_tpot_ms"`
	P99TPOT              *float64 `json:"p99_tpot_ms"`
}

func val(p *float64, scale float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p * scale
}

// ParseResult converts a vLLM benchmark result document. numPrompts is used
// for the success rate when the document does not carry it.
func ParseResult(data []byte, numPrompts int) (tune.PerformanceIndex, error) {
	perf := tune.EmptyPerformanceIndex()
	var r vllmResult
	if err := json.Unmarshal(data, &r); err != nil {
		return perf, fmt.Errorf("benchmark: parsing result: %w", err)
	}
	if r.OutputThroughput == nil {
		return perf, errors.New("benchmark: result has no output_throughput")
	}
	total := float64(numPrompts)
	if r.NumPrompts != nil {
		total = *r.NumPrompts
	}
	if r.Completed != nil && total > 0 {
		perf.SuccessRate = *r.Completed / total
	}
	perf.GenerateSpeed = *r.OutputThroughput
	perf.Throughput = val(r.TotalTokenThroughput, 1)
	perf.TimeToFirstToken = val(r.MeanTTFT, 1e-3)
	perf.TimePerOutputToken = val(r.MeanTPOT, 1e-3)
	perf.TTFT.Mean, perf.TTFT.P75, perf.TTFT.P90, perf.TTFT.P99 = perf.TimeToFirstToken, val(r.P75TTFT, 1e-3), val(r.P90TTFT, 1e-3), val(r.P99TTFT, 1e-3)
	perf.TPOT.Mean, perf.TPOT.P75, perf.TPOT.P90, perf.TPOT.P99 = perf.TimePerOutputToken, val(r.P75TPOT, 1e-3), val(r.P90TPOT, 1e-3), val(r.P99TPOT, 1e-3)
	return perf, nil
}
