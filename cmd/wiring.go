package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/archive"
	"github.com/inference-sim/autotune/tune/backend"
	"github.com/inference-sim/autotune/tune/benchmark"
	"github.com/inference-sim/autotune/tune/cache"
	"github.com/inference-sim/autotune/tune/store"
)

// Output subdirectories.
const (
	storeDir = "store"
	cacheDir = "cache"
)

// baseURLer is implemented by servers that know their own address.
type baseURLer interface {
	BaseURL() string
}

// newRegistry registers every engine and benchmark policy. The simulate
// engine shares predictions through c, which may be nil.
func newRegistry(pd string, c *cache.Cache) *tune.Registry {
	r := tune.NewRegistry()
	r.RegisterServer("vllm", func(s tune.Settings) (tune.TargetServer, error) {
		return backend.NewProcess(s.Server)
	})
	r.RegisterServer("simulate", func(s tune.Settings) (tune.TargetServer, error) {
		return backend.NewAnalytic(s.Simulator, s.Benchmark, c)
	})
	r.RegisterServer("kubernetes", func(s tune.Settings) (tune.TargetServer, error) {
		client, err := backend.NewKubeClient(s.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		name := "autotune-" + uuid.NewString()[:8]
		return backend.NewKubernetes(client, s.Kubernetes, s.Server, name, pd)
	})

	r.RegisterBenchmark("http", func(s tune.Settings, server tune.TargetServer) (tune.Benchmark, error) {
		if a, ok := server.(*backend.Analytic); ok {
			return a, nil
		}
		return benchmark.NewHTTP(baseURL(s, server), s.Server.Model, s.Benchmark)
	})
	r.RegisterBenchmark("vllm_benchmark", func(s tune.Settings, server tune.TargetServer) (tune.Benchmark, error) {
		if a, ok := server.(*backend.Analytic); ok {
			return a, nil
		}
		return benchmark.NewCommand(baseURL(s, server), s.Server.Model, s.Server.WorkDir, s.Benchmark), nil
	})
	return r
}

func baseURL(s tune.Settings, server tune.TargetServer) string {
	if b, ok := server.(baseURLer); ok {
		return b.BaseURL()
	}
	return fmt.Sprintf("http://%s:%d", s.Server.Host, s.Server.Port)
}

// openCache opens the prediction cache used by the simulate engine.
func openCache(s tune.Settings) (*cache.Cache, error) {
	dir := filepath.Join(s.Output, cacheDir)
	if s.Simulator.CacheFile != "" {
		dir = filepath.Dir(s.Simulator.CacheFile)
	}
	names := append(s.Fields.Names(), backend.MetricColumn)
	return cache.Open(dir, names)
}

// openLedger returns the CSV ledger under <output>/store, mirrored to
// Postgres when a DSN is configured.
func openLedger(ctx context.Context, s tune.Settings, resume bool) (tune.Ledger, error) {
	csv, err := store.NewCSV(filepath.Join(s.Output, storeDir), s.Fields, resume)
	if err != nil {
		return nil, err
	}
	logrus.Infof("ledger: %s", csv.Path())
	if s.Storage.PostgresDSN == "" {
		return csv, nil
	}
	pg, err := store.NewPostgres(ctx, s.Storage.PostgresDSN, "", s.Fields)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	logrus.Infof("ledger: mirroring to postgres session %s", pg.Session())
	return &store.Tee{Primary: csv, Mirrors: []tune.Ledger{pg}}, nil
}

// newUploader returns the S3 backup sink, or nil when no bucket is configured.
func newUploader(ctx context.Context, s tune.Settings) (*archive.S3Uploader, error) {
	if s.Backup.S3Bucket == "" {
		return nil, nil
	}
	return archive.NewS3Uploader(ctx, s.Backup.S3Bucket, s.Backup.S3Prefix, s.Backup.S3Region)
}
