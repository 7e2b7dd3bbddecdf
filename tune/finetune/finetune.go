// Package finetune scores measured runs and nudges the benchmark knobs
// (concurrency and request rate) toward the latency SLOs.
package finetune

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
)

// OutcomeKind says whether local search should keep probing.
type OutcomeKind int

const (
	Continue OutcomeKind = iota
	Bracketed
)

func (k OutcomeKind) String() string {
	if k == Continue {
		return "continue"
	}
	return "bracketed"
}

// Outcome is the result of one local-search step. Params is the next point
// to measure when Kind is Continue. A Bracketed outcome carries the point that
// was given, or the proposal when that proposal was measured before.
type Outcome struct {
	Kind   OutcomeKind
	Params tune.Params
	Reason string
}

type sample struct {
	concurrency float64
	rate        float64
	perf        tune.PerformanceIndex
}

// FineTune holds the SLO configuration and the sample history of one candidate.
type FineTune struct {
	slo     tune.SLOSettings
	fields  tune.Fields
	history []sample

	// anchorRate is the request rate in force when concurrency last moved.
	anchorRate float64
	hasAnchor  bool
}

// New returns a FineTune for fields. The CONCURRENCY and REQUESTRATE fields,
// when present, bound the local search.
func New(slo tune.SLOSettings, fields tune.Fields) *FineTune {
	return &FineTune{slo: slo, fields: fields}
}

// Reset forgets the sample history.
func (f *FineTune) Reset() {
	f.history = nil
	f.hasAnchor = false
}

// Fitness is the minimized objective. Infeasible runs score +Inf.
func (f *FineTune) Fitness(perf tune.PerformanceIndex) float64 {
	speed, ttft, tpot := perf.GenerateSpeed, perf.TimeToFirstToken, perf.TimePerOutputToken
	if math.IsNaN(speed) || speed <= 0 || math.IsNaN(ttft) || math.IsNaN(tpot) {
		return math.Inf(1)
	}
	if math.IsNaN(perf.SuccessRate) || perf.SuccessRate <= 0 || perf.SuccessRate < 1 {
		return math.Inf(1)
	}
	s := f.slo
	exponent := math.Log(1000) - math.Log(speed)
	exponent += s.LatencyWeight * (ttft/s.TTFTSLO + tpot/s.TPOTSLO)
	exponent += s.TTFTPenalty * math.Max(0, ttft-s.TTFTSLO) / s.TTFTSLO
	exponent += s.TPOTPenalty * math.Max(0, tpot-s.TPOTSLO) / s.TPOTSLO
	return math.Exp(exponent)
}

// MeetsSLO reports whether every penalized latency is within its SLO.
func (f *FineTune) MeetsSLO(perf tune.PerformanceIndex) bool {
	if f.slo.TTFTPenalty > 0 && !(perf.TimeToFirstToken <= f.slo.TTFTSLO) {
		return false
	}
	if f.slo.TPOTPenalty > 0 && !(perf.TimePerOutputToken <= f.slo.TPOTSLO) {
		return false
	}
	return true
}

// deviation is (x - slo)/slo capped to [-1, 1].
func deviation(x, slo float64) float64 {
	return math.Max(-1, math.Min(1, (x-slo)/slo))
}

// Step proposes the next benchmark point for the candidate measured at params.
// TPOT is steered with CONCURRENCY first; once it is on target TTFT is steered
// with REQUESTRATE. A metric within ±SLOCoefficient of its SLO is on target.
//
// Concurrency moves by |deviation|·StepSize of its span, request rate by
// StepSize of its span. Lowering concurrency restores the request rate that
// was in force when concurrency last moved, since rates found since then were
// tuned against the higher concurrency.
func (f *FineTune) Step(params tune.Params, perf tune.PerformanceIndex) Outcome {
	stop := func(reason string) Outcome {
		f.record(params, perf)
		logrus.Debugf("fine tune: bracketed at %v: %s", params, reason)
		return Outcome{Kind: Bracketed, Params: params, Reason: reason}
	}
	if f.slo.TTFTPenalty == 0 && f.slo.TPOTPenalty == 0 {
		return stop("no latency penalties")
	}
	conc, hasConc := params.Get(tune.FieldConcurrency)
	rate, hasRate := params.Get(tune.FieldRequestRate)
	if !hasConc && !hasRate {
		return stop("no concurrency or request-rate field")
	}

	if hasRate && !f.hasAnchor {
		f.anchorRate, f.hasAnchor = rate, true
	}

	tpotDev := deviation(perf.TimePerOutputToken, f.slo.TPOTSLO)
	ttftDev := deviation(perf.TimeToFirstToken, f.slo.TTFTSLO)
	tpotOff := f.slo.TPOTPenalty > 0 && hasConc && !math.IsNaN(tpotDev) && math.Abs(tpotDev) > f.slo.SLOCoefficient
	ttftOff := f.slo.TTFTPenalty > 0 && hasRate && !math.IsNaN(ttftDev) && math.Abs(ttftDev) > f.slo.SLOCoefficient

	next := params.Clone()
	var up bool
	var current, previous float64
	switch {
	case tpotOff:
		up = tpotDev < 0
		v := f.move(tune.FieldConcurrency, conc, tpotDev, true, func(p sample) (float64, float64) {
			return p.concurrency, p.perf.TimePerOutputToken - f.slo.TPOTSLO
		})
		next = next.Set(tune.FieldConcurrency, v)
		if hasRate {
			r := rate
			if !up {
				r = f.anchorRate
			}
			if r > v {
				r = f.fit(tune.FieldRequestRate, v, false)
			}
			next = next.Set(tune.FieldRequestRate, r)
		}
		current = conc
		if len(f.history) > 0 {
			previous = f.history[len(f.history)-1].concurrency
		}
	case ttftOff:
		up = ttftDev < 0
		v := f.move(tune.FieldRequestRate, rate, ttftDev, false, func(p sample) (float64, float64) {
			return p.rate, p.perf.TimeToFirstToken - f.slo.TTFTSLO
		})
		if hasConc && v > conc {
			v = f.fit(tune.FieldRequestRate, conc, false)
		}
		next = next.Set(tune.FieldRequestRate, v)
		current = rate
		if len(f.history) > 0 {
			previous = f.history[len(f.history)-1].rate
		}
	default:
		return stop("latencies on target")
	}

	if next.Equal(params) {
		return stop("no movement within bounds")
	}
	if f.visited(next) {
		f.record(params, perf)
		logrus.Debugf("fine tune: bracketed at %v: %v already measured", params, next)
		return Outcome{Kind: Bracketed, Params: next, Reason: "proposal already measured"}
	}
	if up && len(f.history) > 0 && current > previous {
		prev := f.history[len(f.history)-1].perf
		if !(perf.GenerateSpeed > prev.GenerateSpeed) {
			return stop("raising load stopped improving generate speed")
		}
	}
	f.record(params, perf)
	if nc, _ := next.Get(tune.FieldConcurrency); hasConc && hasRate && nc != conc {
		f.anchorRate, _ = next.Get(tune.FieldRequestRate)
	}
	logrus.Debugf("fine tune: %v -> %v", params, next)
	return Outcome{Kind: Continue, Params: next}
}

// move shifts value against the deviation. Once the history holds a point on
// the other side of the SLO in the direction of travel, the step is a
// fraction of the distance to the nearest such point instead of the value.
// scaled multiplies the step by |dev|.
func (f *FineTune) move(name string, value, dev float64, scaled bool, coord func(sample) (float64, float64)) float64 {
	up := dev < 0
	span := value
	for _, p := range f.history {
		x, off := coord(p)
		if math.IsNaN(off) {
			continue
		}
		opposite := (up && x > value && off > 0) || (!up && x < value && off < 0)
		if opposite && math.Abs(x-value) < span {
			span = math.Abs(x - value)
		}
	}
	delta := f.slo.StepSize * span
	if scaled {
		delta *= math.Abs(dev)
	}
	if !up {
		delta = -delta
	}
	return f.fit(name, value+delta, up)
}

// fit clamps v to the field bounds and rounds int fields in the direction of travel.
func (f *FineTune) fit(name string, v float64, up bool) float64 {
	field, ok := f.fields.Lookup(name)
	if !ok {
		return v
	}
	if field.DType == tune.DTypeInt || field.DType == tune.DTypeRatio {
		switch r := math.Round(v); {
		case math.Abs(v-r) < 1e-9:
			v = r
		case up:
			v = math.Ceil(v)
		default:
			v = math.Floor(v)
		}
	}
	return math.Max(field.Min, math.Min(field.Max, v))
}

func (f *FineTune) visited(p tune.Params) bool {
	conc, _ := p.Get(tune.FieldConcurrency)
	rate, _ := p.Get(tune.FieldRequestRate)
	for _, h := range f.history {
		if h.concurrency == conc && h.rate == rate {
			return true
		}
	}
	return false
}

func (f *FineTune) record(p tune.Params, perf tune.PerformanceIndex) {
	conc, _ := p.Get(tune.FieldConcurrency)
	rate, _ := p.Get(tune.FieldRequestRate)
	f.history = append(f.history, sample{concurrency: conc, rate: rate, perf: perf})
}
