// Package benchmark drives load against a running target server and reduces
// it to a PerformanceIndex.
package benchmark

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/inference-sim/autotune/tune"
)

// Client sends completion requests to an OpenAI-compatible server.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient returns a client for baseURL with a per-request timeout.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Result is the timing of one request.
type Result struct {
	OK           bool
	Error        string
	OutputTokens int
	Sent         time.Time
	FirstChunk   time.Time
	LastChunk    time.Time
	Chunks       int
}

// TTFT is the time to the first streamed chunk.
func (r Result) TTFT() float64 { return r.FirstChunk.Sub(r.Sent).Seconds() }

// TPOT is the mean gap between output tokens after the first.
func (r Result) TPOT() float64 {
	n := r.OutputTokens
	if n <= 1 {
		n = r.Chunks
	}
	if n <= 1 {
		return math.NaN()
	}
	return r.LastChunk.Sub(r.FirstChunk).Seconds() / float64(n-1)
}

// Complete sends one completion with a synthetic prompt of about promptTokens
// tokens and asks for exactly maxTokens tokens.
func (c *Client) Complete(ctx context.Context, promptTokens, maxTokens int, stream bool) Result {
	res := Result{}
	body := map[string]interface{}{
		"model":      c.model,
		"prompt":     strings.Repeat("hi ", promptTokens),
		"max_tokens": maxTokens,
		"min_tokens": maxTokens,
		"ignore_eos": true,
		"stream":     stream,
	}
	if stream {
		body["stream_options"] = map[string]bool{"include_usage": true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		res.Error = fmt.Sprintf("marshal error: %v", err)
		return res
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(payload))
	if err != nil {
		res.Error = fmt.Sprintf("request creation error: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res.Sent = time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		res.Error = fmt.Sprintf("HTTP error: %v", err)
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		res.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return res
	}
	if stream {
		c.readStream(resp.Body, &res)
	} else {
		c.readBody(resp.Body, &res)
	}
	return res
}

type usage struct {
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) readBody(r io.Reader, res *Result) {
	data, err := io.ReadAll(r)
	if err != nil {
		res.Error = fmt.Sprintf("read error: %v", err)
		return
	}
	now := time.Now()
	res.FirstChunk, res.LastChunk, res.Chunks = now, now, 1
	var u usage
	if err := json.Unmarshal(data, &u); err != nil {
		res.Error = fmt.Sprintf("JSON parse error: %v", err)
		return
	}
	if u.Usage != nil {
		res.OutputTokens = u.Usage.CompletionTokens
	}
	res.OK = true
}

func (c *Client) readStream(r io.Reader, res *Result) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			res.OK = true
			break
		}
		var u usage
		if err := json.Unmarshal([]byte(data), &u); err == nil && u.Usage != nil {
			// The usage-only chunk carries no token.
			res.OutputTokens = u.Usage.CompletionTokens
			if !strings.Contains(data, `"text"`) {
				continue
			}
		}
		now := time.Now()
		res.Chunks++
		if res.Chunks == 1 {
			res.FirstChunk = now
		}
		res.LastChunk = now
	}
	if err := scanner.Err(); err != nil {
		res.OK = false
		res.Error = fmt.Sprintf("stream error: %v", err)
	}
	if res.Chunks == 0 {
		res.OK = false
		if res.Error == "" {
			res.Error = "empty stream"
		}
	}
}

// HTTP is a closed-loop load generator: at most CONCURRENCY requests in
// flight, started no faster than REQUESTRATE per second.
type HTTP struct {
	client   *Client
	settings tune.BenchmarkSettings

	mu          sync.Mutex
	concurrency int
	rate        float64
	lastOK      bool
	backupDir   string
}

// NewHTTP builds a load generator for the server at baseURL.
func NewHTTP(baseURL, model string, s tune.BenchmarkSettings) (*HTTP, error) {
	if s.NumPrompts < 1 || s.OutputTokens < 1 || s.PromptTokens < 1 {
		return nil, fmt.Errorf("benchmark: num_prompts, prompt_tokens and output_tokens must be >= 1")
	}
	return &HTTP{
		client:      NewClient(baseURL, s.APIKey, model, s.Timeout),
		settings:    s,
		concurrency: 1,
		rate:        math.Inf(1),
	}, nil
}

// Prepare reads CONCURRENCY and REQUESTRATE from params; absent knobs mean
// one request at a time and no rate limit.
func (h *HTTP) Prepare(params tune.Params) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.concurrency, h.rate = 1, math.Inf(1)
	if v, ok := params.Get(tune.FieldConcurrency); ok {
		if v < 1 {
			return fmt.Errorf("benchmark: %s must be >= 1, got %v", tune.FieldConcurrency, v)
		}
		h.concurrency = int(v)
	}
	if v, ok := params.Get(tune.FieldRequestRate); ok {
		if v <= 0 {
			return fmt.Errorf("benchmark: %s must be > 0, got %v", tune.FieldRequestRate, v)
		}
		h.rate = v
	}
	return nil
}

func (h *HTTP) SetBackupDir(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backupDir = dir
}

// Run sends num_prompts requests and summarizes them.
func (h *HTTP) Run(ctx context.Context) (tune.PerformanceIndex, error) {
	h.mu.Lock()
	concurrency, r, backup := h.concurrency, h.rate, h.backupDir
	h.lastOK = false
	h.mu.Unlock()

	limit := rate.Limit(r)
	if math.IsInf(r, 1) {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, 1)

	n := h.settings.NumPrompts
	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		i := i
		g.Go(func() error {
			results[i] = h.client.Complete(gctx, h.settings.PromptTokens, h.settings.OutputTokens, h.settings.Streaming)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return tune.EmptyPerformanceIndex(), err
	}
	elapsed := time.Since(start)

	perf := Summarize(results, h.settings.PromptTokens, elapsed)
	if backup != "" {
		if err := writeResults(backup, results); err != nil {
			logrus.Warnf("benchmark: %v", err)
		}
	}
	h.mu.Lock()
	h.lastOK = !math.IsNaN(perf.GenerateSpeed)
	h.mu.Unlock()
	logrus.Infof("benchmark: %d requests at concurrency %d: %s", n, concurrency, perf)
	return perf, nil
}

func (h *HTTP) CheckSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastOK
}

// Summarize reduces per-request results to a PerformanceIndex. Failed
// requests only count against the success rate.
func Summarize(results []Result, promptTokens int, elapsed time.Duration) tune.PerformanceIndex {
	perf := tune.EmptyPerformanceIndex()
	if len(results) == 0 || elapsed <= 0 {
		return perf
	}
	var ttfts, tpots []float64
	ok, outTokens := 0, 0
	for _, r := range results {
		if !r.OK {
			continue
		}
		ok++
		outTokens += r.OutputTokens
		ttfts = append(ttfts, r.TTFT())
		if v := r.TPOT(); !math.IsNaN(v) {
			tpots = append(tpots, v)
		}
	}
	perf.SuccessRate = float64(ok) / float64(len(results))
	if ok == 0 {
		return perf
	}
	secs := elapsed.Seconds()
	perf.GenerateSpeed = float64(outTokens) / secs
	perf.Throughput = float64(outTokens+ok*promptTokens) / secs
	perf.TTFT = tune.NewDistribution(ttfts)
	perf.TimeToFirstToken = perf.TTFT.Mean
	perf.TPOT = tune.NewDistribution(tpots)
	perf.TimePerOutputToken = perf.TPOT.Mean
	return perf
}

func writeResults(dir string, results []Result) error {
	out := filepath.Join(dir, "benchmark")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(out, "requests.json"), data, 0o644)
}
