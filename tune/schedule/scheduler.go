// Package schedule drives one evaluation of a configuration: apply it to the
// target server, start the server, wait for readiness, run the benchmark while
// watching the server process, stop the server and record the outcome.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/archive"
)

// ProcessError reports that the target server process exited during a run.
type ProcessError struct {
	ExitCode int
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("scheduler: target server exited with code %d", e.ExitCode)
}

// Uploader ships a finished backup directory somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, dir string) (int, error)
}

// Scorer turns a measurement into the fitness stored with each record.
type Scorer func(tune.PerformanceIndex) float64

// Scheduler owns one target server and one benchmark and evaluates
// configurations on them strictly one at a time.
type Scheduler struct {
	settings tune.Settings
	server   tune.TargetServer
	bench    tune.Benchmark

	ledger   tune.Ledger
	score    Scorer
	uploader Uploader

	mu      sync.Mutex
	backups int
	now     func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLedger appends every run to l, scored by score.
func WithLedger(l tune.Ledger, score Scorer) Option {
	return func(s *Scheduler) {
		s.ledger = l
		s.score = score
	}
}

// WithUploader ships each backup directory after its run.
func WithUploader(u Uploader) Option {
	return func(s *Scheduler) { s.uploader = u }
}

// New builds a single-machine scheduler.
func New(settings tune.Settings, server tune.TargetServer, bench tune.Benchmark, opts ...Option) *Scheduler {
	s := &Scheduler{
		settings: settings,
		server:   server,
		bench:    bench,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Server returns the target server the scheduler drives.
func (s *Scheduler) Server() tune.TargetServer { return s.server }

// Run evaluates params once.
func (s *Scheduler) Run(ctx context.Context, params tune.Params) (tune.PerformanceIndex, error) {
	results, err := s.execute(ctx, params, []float64{1})
	if len(results) == 0 {
		return tune.EmptyPerformanceIndex(), err
	}
	return results[0].perf, err
}

// RunWithRequestRate evaluates params once per multiplier of the configured
// rate sweep on a single server start, and returns the fastest round that
// served every request together with the params that round ran, whose
// REQUESTRATE is scaled by the round's multiplier. Without a searchable
// request rate it is Run and the params come back unchanged.
func (s *Scheduler) RunWithRequestRate(ctx context.Context, params tune.Params) (tune.Params, tune.PerformanceIndex, error) {
	sweep := s.settings.Benchmark.RateSweep
	rate, ok := s.settings.Fields.Lookup(tune.FieldRequestRate)
	conc, hasConc := s.settings.Fields.Lookup(tune.FieldConcurrency)
	if !ok || rate.Degenerate() || (hasConc && conc.Degenerate()) || len(sweep) <= 1 {
		perf, err := s.Run(ctx, params)
		return params, perf, err
	}

	results, err := s.execute(ctx, params, sweep)
	best := -1
	for i, r := range results {
		if r.err != nil || r.perf.SuccessRate != 1 {
			continue
		}
		if best < 0 || r.perf.GenerateSpeed > results[best].perf.GenerateSpeed {
			best = i
		}
	}
	if best < 0 {
		if err == nil && len(results) > 0 {
			err = results[len(results)-1].err
		}
		if err == nil {
			err = errors.New("scheduler: no rate sweep round served every request")
		}
		return params, tune.EmptyPerformanceIndex(), err
	}
	logrus.Infof("scheduler: rate sweep picked round %d (%s=%v)", best+1,
		tune.FieldRequestRate, valueOr(results[best].params, tune.FieldRequestRate))
	return results[best].params, results[best].perf, nil
}

func valueOr(p tune.Params, name string) float64 {
	v, _ := p.Get(name)
	return v
}

type round struct {
	params tune.Params
	perf   tune.PerformanceIndex
	err    error
}

// execute applies params, starts the server and benchmarks one round per
// multiplier. A failure before the first round is returned as err with no
// rounds; a failed round ends the sweep.
func (s *Scheduler) execute(ctx context.Context, params tune.Params, multipliers []float64) (rounds []round, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.Schedule.RunTimeout)
	defer cancel()

	start := s.now()
	backup, _ := s.SetBackUpPath()
	defer func() {
		if len(rounds) == 0 {
			s.SaveResult(context.Background(), params, tune.EmptyPerformanceIndex(), backup, s.now().Sub(start), err)
		}
		if backup != "" && s.uploader != nil {
			n, uerr := s.uploader.Upload(context.Background(), backup)
			if uerr != nil {
				logrus.Warnf("scheduler: upload backup %s: %v", backup, uerr)
			} else {
				logrus.Debugf("scheduler: uploaded %d backup files from %s", n, backup)
			}
		}
	}()

	if err := s.server.UpdateConfig(params); err != nil {
		return nil, fmt.Errorf("scheduler: update config: %w", err)
	}
	defer func() {
		if stopErr := s.StopTargetServer(context.Background(), false); stopErr != nil {
			logrus.Warnf("scheduler: %v", stopErr)
		}
	}()
	if err := s.server.Start(ctx); err != nil {
		return nil, fmt.Errorf("scheduler: start server: %w", err)
	}
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}

	for _, m := range multipliers {
		p := scaleRate(params, m)
		roundStart := s.now()
		perf, rerr := s.benchmark(ctx, p)
		s.SaveResult(context.WithoutCancel(ctx), p, perf, backup, s.now().Sub(roundStart), rerr)
		rounds = append(rounds, round{params: p, perf: perf, err: rerr})
		if rerr != nil {
			return rounds, rerr
		}
	}
	return rounds, nil
}

func scaleRate(p tune.Params, m float64) tune.Params {
	if m == 1 {
		return p
	}
	v, ok := p.Get(tune.FieldRequestRate)
	if !ok {
		return p
	}
	return p.Clone().Set(tune.FieldRequestRate, v*m)
}

// benchmark runs one load round while a monitor polls the server process.
func (s *Scheduler) benchmark(ctx context.Context, params tune.Params) (tune.PerformanceIndex, error) {
	if err := s.bench.Prepare(params); err != nil {
		return tune.EmptyPerformanceIndex(), fmt.Errorf("scheduler: prepare benchmark: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	perf := tune.EmptyPerformanceIndex()
	g.Go(func() error {
		defer close(done)
		p, err := s.bench.Run(gctx)
		if err != nil {
			return fmt.Errorf("scheduler: benchmark: %w", err)
		}
		perf = p
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.settings.Schedule.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.MonitoringStatus(gctx); err != nil {
					return err
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		return tune.EmptyPerformanceIndex(), err
	}
	if !s.bench.CheckSuccess() {
		return perf, errors.New("scheduler: benchmark did not complete successfully")
	}
	return perf, nil
}

// MonitoringStatus checks that the server process is alive. An exited
// process is stopped and reported as *ProcessError.
func (s *Scheduler) MonitoringStatus(ctx context.Context) error {
	code := s.server.Poll()
	if code == nil {
		return nil
	}
	logrus.Warnf("scheduler: target server exited with code %d", *code)
	if err := s.StopTargetServer(ctx, false); err != nil {
		logrus.Warnf("scheduler: %v", err)
	}
	return &ProcessError{ExitCode: *code}
}

// StopTargetServer stops the server; delLog also removes its logs.
func (s *Scheduler) StopTargetServer(ctx context.Context, delLog bool) error {
	if err := s.server.Stop(ctx, delLog); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// WaitReady polls the server health until it reports running, reports an
// error, exits, or the ready timeout passes.
func (s *Scheduler) WaitReady(ctx context.Context) error {
	timeout := s.settings.Schedule.ReadyTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(s.settings.Schedule.PollInterval)
	defer ticker.Stop()
	for {
		h := s.server.Health(ctx)
		switch h.Stage {
		case tune.StageRunning:
			return nil
		case tune.StageError:
			return fmt.Errorf("scheduler: server failed to start: %s", h.Detail)
		}
		if code := s.server.Poll(); code != nil {
			return &ProcessError{ExitCode: *code}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("scheduler: server not ready after %v (stage %s)", timeout, h.Stage)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetBackUpPath prepares a fresh backup directory for the next run and hands
// it to the server and benchmark. It reports false when backups are disabled
// or the backup root is over its size limit.
func (s *Scheduler) SetBackUpPath() (string, bool) {
	dir, ok := s.backupDir()
	s.server.SetBackupDir(dir)
	s.bench.SetBackupDir(dir)
	return dir, ok
}

func (s *Scheduler) backupDir() (string, bool) {
	cfg := s.settings.Backup
	if !cfg.Enabled {
		return "", false
	}
	root := BackupRoot(s.settings)
	limit := cfg.FolderLimitBytes
	if limit <= 0 {
		limit = archive.FolderLimitSize
	}
	over, size, err := archive.OverLimit(root, limit)
	if err != nil {
		logrus.Warnf("scheduler: measuring backup folder: %v", err)
		return "", false
	}
	if over {
		logrus.Warnf("scheduler: backup folder %s is %d bytes, over the %d byte limit; skipping backup", root, size, limit)
		return "", false
	}

	s.mu.Lock()
	s.backups++
	n := s.backups
	s.mu.Unlock()
	dir := filepath.Join(root, fmt.Sprintf("%s-%d", s.now().Format("20060102150405"), n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.Warnf("scheduler: creating backup dir: %v", err)
		return "", false
	}
	return dir, true
}

// BackupRoot is where run snapshots are kept.
func BackupRoot(s tune.Settings) string {
	return filepath.Join(s.Output, "backup")
}

// SaveResult appends the outcome of one round to the ledger, if any.
func (s *Scheduler) SaveResult(ctx context.Context, params tune.Params, perf tune.PerformanceIndex, backup string, d time.Duration, runErr error) {
	if s.ledger == nil {
		return
	}
	rec := tune.Record{Params: params, Perf: perf, Backup: backup, Duration: d, Fitness: math.Inf(1)}
	if runErr != nil {
		rec.Error = runErr.Error()
	} else if s.score != nil {
		rec.Fitness = s.score(perf)
	}
	if err := s.ledger.Save(ctx, rec); err != nil {
		logrus.Warnf("scheduler: saving result: %v", err)
	}
}
