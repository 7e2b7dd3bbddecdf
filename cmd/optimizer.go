package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/cache"
	"github.com/inference-sim/autotune/tune/comm"
	"github.com/inference-sim/autotune/tune/finetune"
	"github.com/inference-sim/autotune/tune/metrics"
	"github.com/inference-sim/autotune/tune/optimizer"
	"github.com/inference-sim/autotune/tune/plot"
	"github.com/inference-sim/autotune/tune/schedule"
)

// BestFileName holds the winning configuration after a session.
const BestFileName = "best.yaml"

// session is everything one optimizer run is configured with.
type session struct {
	settings       tune.Settings
	engine         string
	pd             string
	deploy         string
	benchmark      string
	loadBreakpoint bool
	metricsAddr    string
	plot           bool
	registry       *tune.Registry
}

// optimizerCmd runs an optimization session using parameters from CLI flags
var optimizerCmd = &cobra.Command{
	Use:   "optimizer",
	Short: "Search for the best serving configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if err := checkPolicies(); err != nil {
			logrus.Fatalf("%v", err)
		}
		settings, err := loadSettings(configPath)
		if err != nil {
			logrus.Fatalf("Failed to load settings: %v", err)
		}
		if outputDir != "" {
			settings.Output = outputDir
		}
		if backup {
			settings.Backup.Enabled = true
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		res, err := runOptimizer(ctx, session{
			settings:       settings,
			engine:         engine,
			pd:             pdPolicy,
			deploy:         deployPolicy,
			benchmark:      benchmarkPolicy,
			loadBreakpoint: loadBreakpoint,
			metricsAddr:    metricsAddr,
			plot:           writePlot,
		})
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Info(plot.Summary(res))
	},
}

// runOptimizer wires the collaborators of s and runs one session. The result
// is meaningful even when an error is returned.
func runOptimizer(ctx context.Context, s session) (optimizer.Result, error) {
	settings := s.settings
	if err := settings.Validate(); err != nil {
		return optimizer.Result{}, fmt.Errorf("invalid settings: %w", err)
	}
	if err := os.MkdirAll(settings.Output, 0o755); err != nil {
		return optimizer.Result{}, err
	}

	var predictions *cache.Cache
	if s.engine == "simulate" {
		c, err := openCache(settings)
		if err != nil {
			return optimizer.Result{}, err
		}
		predictions = c
	}
	if s.registry == nil {
		s.registry = newRegistry(s.pd, predictions)
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg)
	if s.metricsAddr != "" {
		shutdown := serveMetrics(s.metricsAddr, reg)
		defer shutdown()
	}

	ledger, err := openLedger(ctx, settings, s.loadBreakpoint)
	if err != nil {
		return optimizer.Result{}, err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logrus.Warnf("ledger: %v", err)
		}
	}()

	fine := finetune.New(settings.SLO, settings.Fields)
	opts := []schedule.Option{schedule.WithLedger(ledger, fine.Fitness)}
	uploader, err := newUploader(ctx, settings)
	if err != nil {
		return optimizer.Result{}, err
	}
	if uploader != nil {
		opts = append(opts, schedule.WithUploader(uploader))
	}

	sched, err := newScheduler(ctx, s, opts)
	if err != nil {
		return optimizer.Result{}, err
	}

	optOpts := []optimizer.Option{optimizer.WithLedger(ledger), optimizer.WithMetrics(recorder)}
	if predictions != nil {
		optOpts = append(optOpts, optimizer.WithCache(predictions))
	}
	if s.loadBreakpoint {
		optOpts = append(optOpts, optimizer.WithBreakpoint(filepath.Join(settings.Output, storeDir)))
	}
	res, runErr := optimizer.New(settings, sched, optOpts...).RunPlugin(ctx)

	if len(res.History) > 0 {
		if err := writeBest(filepath.Join(settings.Output, BestFileName), res); err != nil {
			logrus.Warnf("writing best configuration: %v", err)
		}
	}
	if s.plot {
		path := filepath.Join(settings.Output, plot.ReportFileName)
		if err := plot.Report(path, res); err != nil {
			logrus.Warnf("%v", err)
		} else {
			logrus.Infof("report written to %s", path)
		}
	}
	return res, runErr
}

// newScheduler builds a local scheduler, or one relaying to a remote
// listener for the multiple deploy policy.
func newScheduler(ctx context.Context, s session, opts []schedule.Option) (*schedule.Scheduler, error) {
	settings := s.settings
	if s.deploy == "multiple" {
		if s.engine == "simulate" {
			return nil, errors.New("deploy policy multiple needs a real engine on the remote host")
		}
		mb, err := comm.NewFileMailbox(settings.Communication.CmdFile, settings.Communication.ResFile)
		if err != nil {
			return nil, err
		}
		ch := comm.NewChannel(mb, settings.Communication.Timeout, settings.Communication.PollInterval)
		bench, err := s.registry.NewBenchmark(s.benchmark, settings, nil)
		if err != nil {
			return nil, err
		}
		return schedule.NewWithMultiMachine(ctx, settings, ch, bench, opts...)
	}

	server, err := s.registry.NewServer(s.engine, settings)
	if err != nil {
		return nil, err
	}
	bench, err := s.registry.NewBenchmark(s.benchmark, settings, server)
	if err != nil {
		return nil, err
	}
	return schedule.New(settings, server, bench, opts...), nil
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Warnf("metrics server: %v", err)
		}
	}()
	logrus.Infof("serving metrics on %s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type bestDoc struct {
	Params      map[string]interface{} `yaml:"params"`
	Fitness     float64                `yaml:"fitness"`
	Performance map[string]float64     `yaml:"performance"`
	Baseline    float64                `yaml:"baseline_fitness"`
	Evaluations int                    `yaml:"evaluations"`
}

// writeBest saves the winning params and their measurement as YAML.
func writeBest(path string, res optimizer.Result) error {
	doc := bestDoc{
		Params:      res.Best.Params.Map(),
		Fitness:     res.Best.Fitness,
		Performance: make(map[string]float64),
		Baseline:    res.Baseline.Fitness,
		Evaluations: res.Evaluations,
	}
	for i, v := range res.Best.Perf.Values() {
		if tune.FormatFloat(v) != "" {
			doc.Performance[tune.PerformanceColumns[i]] = v
		}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
