package tune

import (
	"fmt"
	"sort"
	"strings"
)

// ServerFactory builds a TargetServer from settings.
type ServerFactory func(s Settings) (TargetServer, error)

// BenchmarkFactory builds a Benchmark driving the given server.
type BenchmarkFactory func(s Settings, server TargetServer) (Benchmark, error)

// Registry maps engine and benchmark-policy names to constructors.
// One is built per process and passed to whatever needs it.
type Registry struct {
	servers    map[string]ServerFactory
	benchmarks map[string]BenchmarkFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		servers:    make(map[string]ServerFactory),
		benchmarks: make(map[string]BenchmarkFactory),
	}
}

// RegisterServer adds or replaces an engine constructor.
func (r *Registry) RegisterServer(name string, f ServerFactory) {
	r.servers[name] = f
}

// RegisterBenchmark adds or replaces a benchmark constructor.
func (r *Registry) RegisterBenchmark(name string, f BenchmarkFactory) {
	r.benchmarks[name] = f
}

// NewServer constructs the named engine.
func (r *Registry) NewServer(name string, s Settings) (TargetServer, error) {
	f, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q; valid options: %s", name, joinKeys(r.servers))
	}
	return f(s)
}

// NewBenchmark constructs the named benchmark policy against server.
func (r *Registry) NewBenchmark(name string, s Settings, server TargetServer) (Benchmark, error) {
	f, ok := r.benchmarks[name]
	if !ok {
		return nil, fmt.Errorf("unknown benchmark policy %q; valid options: %s", name, joinKeys(r.benchmarks))
	}
	return f(s, server)
}

func joinKeys[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
