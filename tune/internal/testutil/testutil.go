// Package testutil holds fakes and assertions shared by the tune test packages.
package testutil

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/inference-sim/autotune/tune"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == got {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// Perf builds a complete, successful PerformanceIndex.
func Perf(speed, ttft, tpot float64) tune.PerformanceIndex {
	p := tune.EmptyPerformanceIndex()
	p.GenerateSpeed = speed
	p.TimeToFirstToken = ttft
	p.TimePerOutputToken = tpot
	p.SuccessRate = 1
	p.Throughput = speed
	return p
}

// Server is a scriptable TargetServer that records the calls it receives.
type Server struct {
	mu sync.Mutex

	Calls     []string
	Applied   []tune.Params
	BackupDir string

	// Stage is reported by Health; empty means running.
	Stage tune.Stage
	// ExitCode, when non-nil, is reported by Poll.
	ExitCode  *int
	StartErr  error
	UpdateErr error
}

func (s *Server) call(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, name)
}

// CallLog returns a copy of the call names seen so far.
func (s *Server) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

func (s *Server) UpdateConfig(p tune.Params) error {
	s.call("update")
	s.mu.Lock()
	s.Applied = append(s.Applied, p.Clone())
	s.mu.Unlock()
	return s.UpdateErr
}

func (s *Server) Start(context.Context) error {
	s.call("start")
	return s.StartErr
}

func (s *Server) Stop(_ context.Context, delLog bool) error {
	if delLog {
		s.call("stop+log")
	} else {
		s.call("stop")
	}
	return nil
}

func (s *Server) Health(context.Context) tune.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Stage == "" {
		return tune.Health{Stage: tune.StageRunning}
	}
	return tune.Health{Stage: s.Stage}
}

func (s *Server) Poll() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ExitCode
}

// Exit makes Poll report code from now on.
func (s *Server) Exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExitCode = &code
}

func (s *Server) SetBackupDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BackupDir = dir
}

// Benchmark returns a measurement computed from the prepared params.
type Benchmark struct {
	mu sync.Mutex

	// Measure maps the prepared params to a result; nil returns Perf(1000, 0.1, 0.01).
	Measure  func(ctx context.Context, p tune.Params) (tune.PerformanceIndex, error)
	Prepared []tune.Params
	Runs     int
	Fail     bool
}

func (b *Benchmark) Prepare(p tune.Params) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Prepared = append(b.Prepared, p.Clone())
	return nil
}

func (b *Benchmark) Run(ctx context.Context) (tune.PerformanceIndex, error) {
	b.mu.Lock()
	b.Runs++
	var p tune.Params
	if len(b.Prepared) > 0 {
		p = b.Prepared[len(b.Prepared)-1]
	}
	measure := b.Measure
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return tune.EmptyPerformanceIndex(), err
	}
	if measure == nil {
		return Perf(1000, 0.1, 0.01), nil
	}
	return measure(ctx, p)
}

func (b *Benchmark) CheckSuccess() bool { return !b.Fail }

func (b *Benchmark) SetBackupDir(string) {}

// ErrScripted is returned by fakes configured to fail.
var ErrScripted = errors.New("scripted failure")
