package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/autotune/tune"
)

func testFields() tune.Fields {
	return tune.Fields{
		{Name: "max_num_seqs", ConfigPosition: "--max-num-seqs", Min: 16, Max: 512, DType: tune.DTypeInt},
		{Name: "scheduling_policy", ConfigPosition: "--scheduling-policy", Min: 0, Max: 1, DType: tune.DTypeEnum, Choices: []float64{0, 1}, Labels: []string{"fcfs", "priority"}},
	}
}

func record(seqs, policy, fitness float64) tune.Record {
	perf := tune.EmptyPerformanceIndex()
	perf.GenerateSpeed, perf.TimeToFirstToken, perf.TimePerOutputToken, perf.SuccessRate = 1500, 0.3, 0.04, 1
	return tune.Record{
		Params:   tune.ParamsFromValues([]float64{seqs, policy}, testFields()),
		Perf:     perf,
		Fitness:  fitness,
		Duration: 1500 * time.Millisecond,
	}
}

func TestCSV_SaveLoadRoundTrip(t *testing.T) {
	// GIVEN a new ledger
	dir := t.TempDir()
	l, err := NewCSV(dir, testFields(), false)
	require.NoError(t, err)
	ctx := context.Background()

	// WHEN a feasible and a failed record are saved
	require.NoError(t, l.Save(ctx, record(64, 1, 2.5)))
	failed := record(128, 0, math.Inf(1))
	failed.Perf = tune.EmptyPerformanceIndex()
	failed.Error = "=cmd|' /C calc'!A0"
	require.NoError(t, l.Save(ctx, failed))

	// THEN both reload with their params and the failure stays infeasible
	recs, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 64.0, recs[0].Params[0].Value)
	assert.Equal(t, "priority", recs[0].Params[1].Label)
	assert.Equal(t, 2.5, recs[0].Fitness)
	assert.Equal(t, 1500.0, recs[0].Perf.GenerateSpeed)
	assert.Equal(t, 1500*time.Millisecond, recs[0].Duration)
	assert.True(t, math.IsInf(recs[1].Fitness, 1))
	assert.True(t, math.IsNaN(recs[1].Perf.GenerateSpeed))
	assert.Equal(t, failed.Error, recs[1].Error)

	// AND the formula-looking cell is neutralized on disk
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "'=cmd")
}

func TestCSV_BestSkipsInfeasibleAndOrders(t *testing.T) {
	l, err := NewCSV(t.TempDir(), testFields(), false)
	require.NoError(t, err)
	ctx := context.Background()
	for _, r := range []tune.Record{record(16, 0, 3), record(32, 0, math.Inf(1)), record(64, 0, 1), record(128, 0, 2), record(256, 0, 1)} {
		require.NoError(t, l.Save(ctx, r))
	}

	best, err := l.Best(ctx, 3)
	require.NoError(t, err)

	require.Len(t, best, 3)
	assert.Equal(t, []float64{64, 256, 128}, []float64{best[0].Params[0].Value, best[1].Params[0].Value, best[2].Params[0].Value})
}

func TestNewCSV_ResumePicksNewestFile(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, FilePrefix+"20240101000000.csv")
	newer := filepath.Join(dir, FilePrefix+"20250101000000.csv")
	require.NoError(t, os.WriteFile(older, []byte("max_num_seqs\n1\n"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("max_num_seqs\n2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.csv"), nil, 0o644))

	l, err := NewCSV(dir, testFields(), true)
	require.NoError(t, err)
	assert.Equal(t, newer, l.Path())

	fresh, err := NewCSV(t.TempDir(), testFields(), true)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(fresh.Path()), FilePrefix)
}

func TestRecordsFromRows_SkipsRowsMissingFieldColumns(t *testing.T) {
	rows := []map[string]string{
		{"max_num_seqs": "64", "scheduling_policy": "0", "fitness": "2"},
		{"max_num_seqs": "64", "fitness": "1"},
		{"max_num_seqs": "", "scheduling_policy": "1", "fitness": "1"},
	}
	recs := RecordsFromRows(rows, testFields())
	require.Len(t, recs, 1)
	assert.Equal(t, 2.0, recs[0].Fitness)
}

func TestLoadHistory(t *testing.T) {
	_, err := LoadHistory(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = LoadHistory(file)
	assert.Error(t, err)

	empty, err := LoadHistory(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, empty)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FilePrefix+"1.csv"), []byte("data\nvalue\n"), 0o644))
	rows, err := LoadHistory(dir)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{"data": "value"}}, rows)
}

func TestFilterRows(t *testing.T) {
	rows := []map[string]string{
		{"data": "value", "filter": "field1"},
		{"data": "value2", "filter": "field2"},
		{"data": "value3", "filter": "field1"},
	}
	assert.Equal(t, rows, FilterRows(rows, nil))
	assert.Equal(t, []map[string]string{rows[0], rows[2]}, FilterRows(rows, map[string]string{"filter": "field1"}))
	assert.Empty(t, FilterRows(rows, map[string]string{"filter": "field3"}))
}

type failingLedger struct{ Memory }

func (f *failingLedger) Save(context.Context, tune.Record) error { return errors.New("db down") }

func TestTee_MirrorFailureIsNotFatal(t *testing.T) {
	primary := &Memory{}
	mirror := &Memory{}
	tee := &Tee{Primary: primary, Mirrors: []tune.Ledger{&failingLedger{}, mirror}}

	require.NoError(t, tee.Save(context.Background(), record(64, 0, 1)))

	got, _ := primary.Load(context.Background())
	assert.Len(t, got, 1)
	got, _ = mirror.Load(context.Background())
	assert.Len(t, got, 1)
	assert.NoError(t, tee.Close())
}

func TestEncodeDecodeRecord_NaNBecomesNull(t *testing.T) {
	rec := record(64, 1, 2)
	params, perf, err := encodeRecord(rec)
	require.NoError(t, err)
	assert.Contains(t, string(perf), `"throughput":null`)

	var got tune.Record
	require.NoError(t, decodeRecord(params, perf, testFields(), &got))
	assert.True(t, got.Params.Equal(rec.Params))
	assert.Equal(t, 1500.0, got.Perf.GenerateSpeed)
	assert.True(t, math.IsNaN(got.Perf.Throughput))
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("AUTOTUNE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTOTUNE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, "", testFields())
	require.NoError(t, err)
	defer pg.Close()

	require.NoError(t, pg.Save(ctx, record(64, 1, 2)))
	require.NoError(t, pg.Save(ctx, record(32, 0, math.Inf(1))))

	all, err := pg.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	best, err := pg.Best(ctx, 5)
	require.NoError(t, err)
	require.Len(t, best, 1)
	assert.Equal(t, 64.0, best[0].Params[0].Value)
}
