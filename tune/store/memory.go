package store

import (
	"context"
	"sync"

	"github.com/inference-sim/autotune/tune"
)

// Memory is a process-local Ledger.
type Memory struct {
	mu   sync.Mutex
	recs []tune.Record
}

func (m *Memory) Save(_ context.Context, rec tune.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *Memory) Load(_ context.Context) ([]tune.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tune.Record(nil), m.recs...), nil
}

func (m *Memory) Best(ctx context.Context, k int) ([]tune.Record, error) {
	recs, _ := m.Load(ctx)
	return BestOf(recs, k), nil
}

func (m *Memory) Close() error { return nil }
