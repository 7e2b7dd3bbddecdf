package tune

import (
	"context"
	"math"
	"time"
)

// Stage is the lifecycle stage reported by a target server's health check.
type Stage string

const (
	StageStarting Stage = "starting"
	StageRunning  Stage = "running"
	StageError    Stage = "error"
	StageStopped  Stage = "stopped"
)

// ValidStages is the set of recognized stages.
var ValidStages = map[Stage]bool{StageStarting: true, StageRunning: true, StageError: true, StageStopped: true}

// Health is a point-in-time readiness report.
type Health struct {
	Stage  Stage
	Detail string
}

// TargetServer is the inference server (or a substitute) being tuned.
// Exactly one configuration is live at a time.
type TargetServer interface {
	// UpdateConfig applies params to the server's configuration before the next start.
	UpdateConfig(params Params) error
	// Start launches the server with the last applied configuration.
	Start(ctx context.Context) error
	// Stop tears the server down; delLog also removes its log artifacts.
	Stop(ctx context.Context, delLog bool) error
	// Health reports the current stage.
	Health(ctx context.Context) Health
	// Poll returns the exit code once the server process has exited, nil while alive.
	Poll() *int
	// SetBackupDir names a directory for snapshots of the run; empty disables backups.
	SetBackupDir(dir string)
}

// Benchmark drives load against the running server.
type Benchmark interface {
	// Prepare configures the next run, e.g. concurrency and request rate from params.
	Prepare(params Params) error
	// Run blocks until the load finishes and returns the measurement.
	Run(ctx context.Context) (PerformanceIndex, error)
	// CheckSuccess reports whether the last Run completed and produced usable output.
	CheckSuccess() bool
	SetBackupDir(dir string)
}

// Record is one completed (or failed) evaluation.
type Record struct {
	Params   Params
	Perf     PerformanceIndex
	Fitness  float64
	Error    string
	Backup   string
	Duration time.Duration
}

// Feasible reports whether the record has a finite fitness.
func (r Record) Feasible() bool {
	return !math.IsInf(r.Fitness, 0) && !math.IsNaN(r.Fitness)
}

// Ledger is the append-only history of evaluations, durable across restarts.
type Ledger interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) ([]Record, error)
	// Best returns up to k feasible records with the lowest fitness, best first.
	Best(ctx context.Context, k int) ([]Record, error)
	Close() error
}
