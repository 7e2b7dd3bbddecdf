package finetune

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/internal/testutil"
)

func knobFields() tune.Fields {
	return tune.Fields{
		{Name: tune.FieldConcurrency, ConfigPosition: tune.PositionEnv, Min: 10, Max: 1001, DType: tune.DTypeInt, Value: 200},
		{Name: tune.FieldRequestRate, ConfigPosition: tune.PositionEnv, Min: 0, Max: 1001, DType: tune.DTypeInt, Value: 20},
	}
}

func knobs(conc, rate float64) tune.Params {
	return tune.ParamsFromValues([]float64{conc, rate}, knobFields())
}

func perf(speed, ttft, tpot float64) tune.PerformanceIndex {
	p := tune.EmptyPerformanceIndex()
	p.GenerateSpeed, p.TimeToFirstToken, p.TimePerOutputToken, p.SuccessRate = speed, ttft, tpot, 1
	return p
}

func slo(ttftPenalty, tpotPenalty float64) tune.SLOSettings {
	s := tune.DefaultSettings().SLO
	s.TTFTPenalty, s.TPOTPenalty = ttftPenalty, tpotPenalty
	return s
}

func get(t *testing.T, p tune.Params, name string) float64 {
	t.Helper()
	v, ok := p.Get(name)
	require.True(t, ok, "missing %s", name)
	return v
}

func TestFitness_SuccessRateBelowOne_IsInf(t *testing.T) {
	ft := New(slo(0, 3), knobFields())
	p := perf(1000, 0.3, 0.03)
	p.SuccessRate = 0.99
	assert.True(t, math.IsInf(ft.Fitness(p), 1))
}

func TestFitness_InfeasibleInputs(t *testing.T) {
	ft := New(slo(0, 3), knobFields())
	tests := map[string]tune.PerformanceIndex{
		"empty":         tune.EmptyPerformanceIndex(),
		"zero speed":    perf(0, 0.3, 0.03),
		"nan ttft":      perf(1000, math.NaN(), 0.03),
		"nan tpot":      perf(1000, 0.3, math.NaN()),
		"negative rate": func() tune.PerformanceIndex { p := perf(1000, 0.3, 0.03); p.SuccessRate = -1; return p }(),
	}
	for name, p := range tests {
		assert.True(t, math.IsInf(ft.Fitness(p), 1), name)
	}
}

func TestFitness_AtSLO(t *testing.T) {
	// GIVEN speed 1000 tok/s and both latencies exactly at their SLO
	ft := New(slo(0, 3), knobFields())

	// THEN only the latency weight contributes: exp(0.1 * (1 + 1))
	got := ft.Fitness(perf(1000, 0.5, 0.05))
	assert.InDelta(t, math.Exp(0.2), got, 1e-12)
}

func TestFitness_ScalesInverselyWithSpeed(t *testing.T) {
	ft := New(slo(0, 3), knobFields())
	for _, speed := range []float64{250, 500, 2000, 8000} {
		want := 1000 / speed * math.Exp(0.2)
		testutil.AssertFloat64Equal(t, "fitness", want, ft.Fitness(perf(speed, 0.5, 0.05)), 1e-9)
	}
}

func TestFitness_Monotonic(t *testing.T) {
	ft := New(slo(1, 3), knobFields())
	base := ft.Fitness(perf(1000, 0.4, 0.04))

	assert.Less(t, ft.Fitness(perf(2000, 0.4, 0.04)), base, "faster is better")
	assert.Greater(t, ft.Fitness(perf(1000, 0.45, 0.04)), base, "slower first token is worse")
	assert.Greater(t, ft.Fitness(perf(1000, 0.4, 0.06)), ft.Fitness(perf(1000, 0.4, 0.049)), "tpot violation is penalized")
}

func TestFitness_OverflowIsInf(t *testing.T) {
	ft := New(slo(0, 3), knobFields())
	assert.True(t, math.IsInf(ft.Fitness(perf(1000, 0.4, 1e6)), 1))
}

func TestMeetsSLO_OnlyPenalizedMetrics(t *testing.T) {
	p := perf(1000, 0.9, 0.04)
	assert.True(t, New(slo(0, 3), knobFields()).MeetsSLO(p))
	assert.False(t, New(slo(1, 3), knobFields()).MeetsSLO(p))
	assert.False(t, New(slo(0, 3), knobFields()).MeetsSLO(perf(1000, 0.1, math.NaN())))
}

func TestStep_OnTargetIsBracketed(t *testing.T) {
	tests := []struct {
		name       string
		ttft, tpot float64
		ttftP      float64
		tpotP      float64
	}{
		{"exactly at slo", 0.5, 0.05, 1, 1},
		{"inside band", 0.46, 0.046, 1, 1},
		{"no penalties", 0.9, 0.09, 0, 0},
		{"only tpot penalized, tpot inside band", 0.9, 0.046, 0, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ft := New(slo(tc.ttftP, tc.tpotP), knobFields())
			out := ft.Step(knobs(100, 20), perf(1000, tc.ttft, tc.tpot))
			assert.Equal(t, Bracketed, out.Kind)
			assert.True(t, out.Params.Equal(knobs(100, 20)))
		})
	}
}

func TestStep_NoKnobFields_IsBracketed(t *testing.T) {
	fields := tune.Fields{{Name: "max_num_seqs", Min: 1, Max: 512, DType: tune.DTypeInt}}
	ft := New(slo(1, 3), fields)
	out := ft.Step(tune.ParamsFromValues([]float64{64}, fields), perf(1000, 0.9, 0.09))
	assert.Equal(t, Bracketed, out.Kind)
}

func TestStep_TPOTDrivesConcurrency(t *testing.T) {
	// GIVEN only tpot is penalized
	ft := New(slo(0, 3), knobFields())

	// WHEN tpot is 20% over its SLO at concurrency 100
	out := ft.Step(knobs(100, 20), perf(1000, 0.46, 0.06))

	// THEN concurrency drops by 20% * step size
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 90.0, get(t, out.Params, tune.FieldConcurrency))
	assert.Equal(t, 20.0, get(t, out.Params, tune.FieldRequestRate))

	// WHEN tpot is then 20% under its SLO at concurrency 50
	out = ft.Step(knobs(50, 20), perf(1000, 0.46, 0.04))

	// THEN it rises by a fraction of the distance to the known violating point
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 55.0, get(t, out.Params, tune.FieldConcurrency))
}

func TestStep_BracketedStepUsesDistanceToOppositePoint(t *testing.T) {
	ft := New(slo(3, 3), knobFields())

	out := ft.Step(knobs(100, 20), perf(1000, 0.58, 0.06))
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 90.0, get(t, out.Params, tune.FieldConcurrency))

	// 90 is under the SLO and 100 was over: the step is 10% of the 10-wide gap
	out = ft.Step(knobs(90, 20), perf(1100, 0.6, 0.04))
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 91.0, get(t, out.Params, tune.FieldConcurrency))
}

func TestStep_TTFTDrivesRequestRateCappedByConcurrency(t *testing.T) {
	ft := New(slo(3, 3), knobFields())

	// tpot on target, ttft under: request rate rises by the step size
	out := ft.Step(knobs(91, 20), perf(1000, 0.3, 0.05))
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 30.0, get(t, out.Params, tune.FieldRequestRate))
	assert.Equal(t, 91.0, get(t, out.Params, tune.FieldConcurrency))

	// a large upward move is capped at the concurrency
	out = ft.Step(knobs(91, 80), perf(1200, 0.1, 0.05))
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 91.0, get(t, out.Params, tune.FieldRequestRate))
}

func TestStep_ConcurrencyAndRateSequence(t *testing.T) {
	// GIVEN both latencies penalized and a fresh search from [100, 20]
	ft := New(slo(3, 3), knobFields())
	steps := []struct {
		conc, rate, speed, ttft, tpot float64
		wantKind                      OutcomeKind
		wantConc, wantRate            float64
	}{
		// tpot 20% over: concurrency down 10%
		{100, 20, 1000, 0.58, 0.06, Continue, 90, 20},
		// tpot 20% under with 100 known to be over: 10% of the gap
		{90, 20, 1100, 0.6, 0.04, Continue, 91, 20},
		// tpot on target, ttft under: rate up by half
		{91, 20, 1200, 0.3, 0.05, Continue, 91, 30},
		// the rise is capped by the concurrency
		{91, 80, 1300, 0.4, 0.05, Continue, 91, 91},
		// ttft over with 80 known to be under: half the gap, floored
		{91, 91, 1400, 0.6, 0.051, Continue, 91, 85},
		// tpot over again: concurrency drops to the measured 90 and the rate
		// returns to the one concurrency was tuned with
		{91, 91, 1400, 0.6, 0.068, Bracketed, 90, 20},
	}
	for i, st := range steps {
		// WHEN each measurement is fed back
		out := ft.Step(knobs(st.conc, st.rate), perf(st.speed, st.ttft, st.tpot))

		// THEN the proposal follows the sequence
		require.Equal(t, st.wantKind, out.Kind, "step %d: %s", i, out.Reason)
		assert.Equal(t, st.wantConc, get(t, out.Params, tune.FieldConcurrency), "step %d", i)
		assert.Equal(t, st.wantRate, get(t, out.Params, tune.FieldRequestRate), "step %d", i)
	}
}

func TestStep_DownwardMovesAlwaysProgress(t *testing.T) {
	ft := New(slo(3, 3), knobFields())
	ft.Step(knobs(90, 90), perf(1000, 0.46, 0.04))

	// tpot over the SLO at 91 with 90 known to be under: the 0.18 step floors to 90
	out := ft.Step(knobs(91, 91), perf(1000, 0.6, 0.068))
	require.Equal(t, Bracketed, out.Kind, "90 was already measured")
	assert.True(t, out.Params.Equal(knobs(90, 90)))

	ft.Reset()
	out = ft.Step(knobs(91, 91), perf(1000, 0.6, 0.068))
	require.Equal(t, Continue, out.Kind)
	assert.Less(t, get(t, out.Params, tune.FieldConcurrency), 91.0)
	assert.LessOrEqual(t, get(t, out.Params, tune.FieldRequestRate), get(t, out.Params, tune.FieldConcurrency))
}

func TestStep_RaisingLoadWithoutSpeedupIsBracketed(t *testing.T) {
	ft := New(slo(0, 3), knobFields())
	out := ft.Step(knobs(50, 20), perf(1000, 0.3, 0.03))
	require.Equal(t, Continue, out.Kind)
	next := get(t, out.Params, tune.FieldConcurrency)
	require.Greater(t, next, 50.0)

	// WHEN the higher concurrency is no faster
	out = ft.Step(out.Params, perf(990, 0.3, 0.035))

	// THEN raising it further stops
	assert.Equal(t, Bracketed, out.Kind)
}

func TestStep_ClampsToFieldBounds(t *testing.T) {
	ft := New(slo(0, 3), knobFields())
	out := ft.Step(knobs(1000, 20), perf(1000, 0.3, 0.001))
	require.Equal(t, Continue, out.Kind)
	assert.Equal(t, 1001.0, get(t, out.Params, tune.FieldConcurrency))

	out = ft.Step(knobs(1001, 20), perf(1100, 0.3, 0.001))
	assert.Equal(t, Bracketed, out.Kind, "already at the upper bound")
}
