package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/comm"
	"github.com/inference-sim/autotune/tune/internal/testutil"
	"github.com/inference-sim/autotune/tune/store"
)

func knobFields() tune.Fields {
	return tune.Fields{
		{Name: "max_num_seqs", ConfigPosition: "--max-num-seqs", Min: 16, Max: 512, DType: tune.DTypeInt, Value: 256},
		{Name: tune.FieldConcurrency, ConfigPosition: tune.PositionEnv, Min: 1, Max: 100, DType: tune.DTypeInt, Value: 10},
		{Name: tune.FieldRequestRate, ConfigPosition: tune.PositionEnv, Min: 1, Max: 50, DType: tune.DTypeFloat, Value: 10},
	}
}

func testSettings(t *testing.T) tune.Settings {
	s := tune.DefaultSettings()
	s.Output = t.TempDir()
	s.Fields = knobFields()
	s.Schedule = tune.ScheduleSettings{ReadyTimeout: 100 * time.Millisecond, RunTimeout: 5 * time.Second, PollInterval: time.Millisecond}
	return s
}

func params(seqs, conc, rate float64) tune.Params {
	return tune.ParamsFromValues([]float64{seqs, conc, rate}, knobFields())
}

func speedScore(p tune.PerformanceIndex) float64 { return 1 / p.GenerateSpeed }

func TestRun_HappyPathStopsServerAndSaves(t *testing.T) {
	// GIVEN a healthy server and a ledger
	srv := &testutil.Server{}
	bench := &testutil.Benchmark{}
	ledger := &store.Memory{}
	s := New(testSettings(t), srv, bench, WithLedger(ledger, speedScore))

	// WHEN params are evaluated
	perf, err := s.Run(context.Background(), params(64, 10, 5))

	// THEN the lifecycle is update → start → stop and the run is recorded
	require.NoError(t, err)
	assert.Equal(t, 1000.0, perf.GenerateSpeed)
	assert.Equal(t, []string{"update", "start", "stop"}, srv.CallLog())
	require.Len(t, srv.Applied, 1)
	assert.True(t, srv.Applied[0].Equal(params(64, 10, 5)))

	recs, _ := ledger.Load(context.Background())
	require.Len(t, recs, 1)
	assert.Equal(t, 0.001, recs[0].Fitness)
	assert.Empty(t, recs[0].Error)
}

func TestRun_FailuresStillStopServerAndRecordError(t *testing.T) {
	tests := []struct {
		name    string
		server  *testutil.Server
		bench   *testutil.Benchmark
		wantErr string
		stopped bool
	}{
		{name: "update fails", server: &testutil.Server{UpdateErr: testutil.ErrScripted}, bench: &testutil.Benchmark{}, wantErr: "update config", stopped: false},
		{name: "start fails", server: &testutil.Server{StartErr: testutil.ErrScripted}, bench: &testutil.Benchmark{}, wantErr: "start server", stopped: true},
		{name: "error stage", server: &testutil.Server{Stage: tune.StageError}, bench: &testutil.Benchmark{}, wantErr: "failed to start", stopped: true},
		{name: "never ready", server: &testutil.Server{Stage: tune.StageStarting}, bench: &testutil.Benchmark{}, wantErr: "not ready after", stopped: true},
		{name: "benchmark unsuccessful", server: &testutil.Server{}, bench: &testutil.Benchmark{Fail: true}, wantErr: "did not complete", stopped: true},
		{name: "benchmark error", server: &testutil.Server{}, bench: &testutil.Benchmark{Measure: func(context.Context, tune.Params) (tune.PerformanceIndex, error) {
			return tune.EmptyPerformanceIndex(), testutil.ErrScripted
		}}, wantErr: "scripted failure", stopped: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ledger := &store.Memory{}
			s := New(testSettings(t), tc.server, tc.bench, WithLedger(ledger, speedScore))

			_, err := s.Run(context.Background(), params(64, 10, 5))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			calls := tc.server.CallLog()
			assert.Equal(t, tc.stopped, calls[len(calls)-1] == "stop", "calls: %v", calls)
			recs, _ := ledger.Load(context.Background())
			require.Len(t, recs, 1)
			assert.False(t, recs[0].Feasible())
			assert.NotEmpty(t, recs[0].Error)
		})
	}
}

func TestRun_ProcessExitDuringBenchmark(t *testing.T) {
	// GIVEN a server that dies once the load starts
	srv := &testutil.Server{}
	bench := &testutil.Benchmark{Measure: func(ctx context.Context, _ tune.Params) (tune.PerformanceIndex, error) {
		srv.Exit(137)
		<-ctx.Done()
		return tune.EmptyPerformanceIndex(), ctx.Err()
	}}
	s := New(testSettings(t), srv, bench)

	// WHEN evaluated
	_, err := s.Run(context.Background(), params(64, 10, 5))

	// THEN the monitor cancels the benchmark and reports the exit code
	var pe *ProcessError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 137, pe.ExitCode)
	assert.Contains(t, srv.CallLog(), "stop")
}

func TestMonitoringStatus(t *testing.T) {
	srv := &testutil.Server{}
	s := New(testSettings(t), srv, &testutil.Benchmark{})
	assert.NoError(t, s.MonitoringStatus(context.Background()))

	srv.Exit(1)
	err := s.MonitoringStatus(context.Background())
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"stop"}, srv.CallLog())
}

func TestRunWithRequestRate_PicksFastestSuccessfulRound(t *testing.T) {
	// GIVEN a sweep of three multipliers where only low rates are fully served
	settings := testSettings(t)
	settings.Benchmark.RateSweep = []float64{0.5, 1, 2}
	srv := &testutil.Server{}
	bench := &testutil.Benchmark{Measure: func(_ context.Context, p tune.Params) (tune.PerformanceIndex, error) {
		rate, _ := p.Get(tune.FieldRequestRate)
		perf := testutil.Perf(rate*100, 0.1, 0.01)
		if rate > 15 {
			perf.SuccessRate = 0.9
		}
		return perf, nil
	}}
	ledger := &store.Memory{}
	s := New(settings, srv, bench, WithLedger(ledger, speedScore))

	// WHEN swept from rate 10
	ran, perf, err := s.RunWithRequestRate(context.Background(), params(64, 10, 10))

	// THEN the server started once, three rounds ran, and rate 10 won
	require.NoError(t, err)
	assert.Equal(t, 1000.0, perf.GenerateSpeed)
	assert.True(t, ran.Equal(params(64, 10, 10)))
	assert.Equal(t, []string{"update", "start", "stop"}, srv.CallLog())
	assert.Equal(t, 3, bench.Runs)
	recs, _ := ledger.Load(context.Background())
	assert.Len(t, recs, 3)
}

func TestRunWithRequestRate_DegenerateRateRunsOnce(t *testing.T) {
	settings := testSettings(t)
	settings.Benchmark.RateSweep = []float64{0.5, 1, 2}
	settings.Fields[2].Min, settings.Fields[2].Max = 10, 10
	bench := &testutil.Benchmark{}
	s := New(settings, &testutil.Server{}, bench)

	ran, _, err := s.RunWithRequestRate(context.Background(), params(64, 10, 10))

	require.NoError(t, err)
	assert.Equal(t, 1, bench.Runs)
	assert.True(t, ran.Equal(params(64, 10, 10)))
}

func TestRunWithRequestRate_ReturnsParamsOfWinningRound(t *testing.T) {
	// GIVEN a sweep where the doubled rate is served fully and runs faster
	settings := testSettings(t)
	settings.Benchmark.RateSweep = []float64{1, 2}
	bench := &testutil.Benchmark{Measure: func(_ context.Context, p tune.Params) (tune.PerformanceIndex, error) {
		rate, _ := p.Get(tune.FieldRequestRate)
		return testutil.Perf(rate*100, 0.1, 0.01), nil
	}}
	ledger := &store.Memory{}
	s := New(settings, &testutil.Server{}, bench, WithLedger(ledger, speedScore))

	// WHEN swept from rate 10
	ran, perf, err := s.RunWithRequestRate(context.Background(), params(64, 10, 10))

	// THEN the measurement is credited to rate 20, matching the ledger row
	require.NoError(t, err)
	assert.Equal(t, 2000.0, perf.GenerateSpeed)
	rate, _ := ran.Get(tune.FieldRequestRate)
	assert.Equal(t, 20.0, rate)
	recs, _ := ledger.Load(context.Background())
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Params.Equal(ran))
	assert.Equal(t, perf.GenerateSpeed, recs[1].Perf.GenerateSpeed)
}

func TestRunWithRequestRate_NoRoundSucceeds(t *testing.T) {
	settings := testSettings(t)
	settings.Benchmark.RateSweep = []float64{1, 2}
	bench := &testutil.Benchmark{Measure: func(context.Context, tune.Params) (tune.PerformanceIndex, error) {
		p := testutil.Perf(100, 0.1, 0.01)
		p.SuccessRate = 0.5
		return p, nil
	}}
	s := New(settings, &testutil.Server{}, bench)

	_, _, err := s.RunWithRequestRate(context.Background(), params(64, 10, 10))
	assert.Error(t, err)
}

type recordingUploader struct{ dirs []string }

func (u *recordingUploader) Upload(_ context.Context, dir string) (int, error) {
	u.dirs = append(u.dirs, dir)
	return 0, nil
}

func TestSetBackUpPath(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv := &testutil.Server{BackupDir: "stale"}
		s := New(testSettings(t), srv, &testutil.Benchmark{})
		dir, ok := s.SetBackUpPath()
		assert.False(t, ok)
		assert.Empty(t, dir)
		assert.Empty(t, srv.BackupDir)
	})

	t.Run("enabled creates a fresh dir per run", func(t *testing.T) {
		settings := testSettings(t)
		settings.Backup.Enabled = true
		srv := &testutil.Server{}
		s := New(settings, srv, &testutil.Benchmark{})
		s.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

		first, ok := s.SetBackUpPath()
		require.True(t, ok)
		second, _ := s.SetBackUpPath()

		assert.Equal(t, filepath.Join(settings.Output, "backup", "20250304050607-1"), first)
		assert.NotEqual(t, first, second)
		assert.DirExists(t, first)
		assert.Equal(t, second, srv.BackupDir)
	})

	t.Run("over limit skips", func(t *testing.T) {
		settings := testSettings(t)
		settings.Backup.Enabled = true
		settings.Backup.FolderLimitBytes = 4
		root := BackupRoot(settings)
		require.NoError(t, os.MkdirAll(root, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "big"), []byte("0123456789"), 0o644))
		s := New(settings, &testutil.Server{}, &testutil.Benchmark{})

		_, ok := s.SetBackUpPath()
		assert.False(t, ok)
	})
}

func TestRun_UploadsBackup(t *testing.T) {
	settings := testSettings(t)
	settings.Backup.Enabled = true
	up := &recordingUploader{}
	s := New(settings, &testutil.Server{}, &testutil.Benchmark{}, WithUploader(up))

	_, err := s.Run(context.Background(), params(64, 10, 5))

	require.NoError(t, err)
	require.Len(t, up.dirs, 1)
	assert.True(t, strings.HasPrefix(up.dirs[0], BackupRoot(settings)))
}

func TestEncodeDecodeParams(t *testing.T) {
	p := params(64, 10, 2.5)
	s, err := EncodeParams(p)
	require.NoError(t, err)

	got, err := DecodeParams(s, knobFields())
	require.NoError(t, err)
	assert.True(t, got.Equal(p))

	_, err = DecodeParams(`{"max_num_seqs": 1}`, knobFields())
	assert.Error(t, err)
}

func startRemote(t *testing.T, srv tune.TargetServer) *comm.Channel {
	t.Helper()
	mb := &comm.MemoryMailbox{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = comm.NewListener(mb, &RemoteHandler{Server: srv, Fields: knobFields()}, time.Millisecond).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return comm.NewChannel(mb, 2*time.Second, time.Millisecond)
}

func TestMultiMachine_RelaysLifecycle(t *testing.T) {
	// GIVEN a remote host serving a fake server over an in-memory mailbox
	remote := &testutil.Server{}
	ch := startRemote(t, remote)
	bench := &testutil.Benchmark{}

	// WHEN a run is driven from the optimizer host
	s, err := NewWithMultiMachine(context.Background(), testSettings(t), ch, bench)
	require.NoError(t, err)
	perf, err := s.Run(context.Background(), params(64, 10, 5))

	// THEN the remote saw the same lifecycle and params, and the channel is idle
	require.NoError(t, err)
	assert.Equal(t, 1000.0, perf.GenerateSpeed)
	calls := remote.CallLog()
	assert.Equal(t, "update", calls[0])
	assert.Equal(t, "start", calls[1])
	assert.Equal(t, "stop", calls[len(calls)-1])
	require.Len(t, remote.Applied, 1)
	assert.True(t, remote.Applied[0].Equal(params(64, 10, 5)))
	assert.Equal(t, comm.StateIdle, ch.State())
}

func TestMultiMachine_RemoteExitIsProcessError(t *testing.T) {
	remote := &testutil.Server{}
	ch := startRemote(t, remote)
	s, err := NewWithMultiMachine(context.Background(), testSettings(t), ch, &testutil.Benchmark{})
	require.NoError(t, err)

	remote.Exit(3)
	err = s.MonitoringStatus(context.Background())

	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.ExitCode)
	assert.Contains(t, remote.CallLog(), "stop")
}

func TestRemoteHandler_Errors(t *testing.T) {
	h := &RemoteHandler{Server: &testutil.Server{StartErr: testutil.ErrScripted}, Fields: knobFields()}
	_, err := h.Handle(context.Background(), comm.NewCommand(comm.KindStart, ""))
	assert.ErrorIs(t, err, testutil.ErrScripted)

	_, err = h.Handle(context.Background(), comm.NewCommand(comm.KindUpdate, "not json"))
	assert.Error(t, err)

	v, err := h.Handle(context.Background(), comm.NewCommand(comm.KindPoll, ""))
	require.NoError(t, err)
	assert.Equal(t, comm.ReplyNone, v)
}
