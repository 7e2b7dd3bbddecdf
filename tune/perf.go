package tune

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Distribution summarizes one latency metric over the requests of a run.
type Distribution struct {
	Mean float64
	Min  float64
	Max  float64
	P75  float64
	P90  float64
	P99  float64
}

// NewDistribution computes a Distribution from raw values.
// Returns an all-NaN Distribution for empty input.
func NewDistribution(values []float64) Distribution {
	if len(values) == 0 {
		return EmptyDistribution()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return Distribution{
		Mean: CalculateMean(sorted),
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		P75:  CalculatePercentile(sorted, 75),
		P90:  CalculatePercentile(sorted, 90),
		P99:  CalculatePercentile(sorted, 99),
	}
}

// EmptyDistribution marks every statistic as missing.
func EmptyDistribution() Distribution {
	nan := math.NaN()
	return Distribution{Mean: nan, Min: nan, Max: nan, P75: nan, P90: nan, P99: nan}
}

// CalculatePercentile returns the p-th percentile of sorted data using linear interpolation.
func CalculatePercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if upper >= n {
		return sorted[n-1]
	}
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

// CalculateMean returns the arithmetic mean, or NaN for empty input.
func CalculateMean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PerformanceIndex is the measured or predicted outcome of one run.
// Latencies are in seconds, GenerateSpeed in output tokens/s, Throughput in requests/s.
// Missing values are NaN.
type PerformanceIndex struct {
	GenerateSpeed      float64
	TimeToFirstToken   float64
	TimePerOutputToken float64
	SuccessRate        float64
	Throughput         float64
	TTFT               Distribution
	TPOT               Distribution
}

// EmptyPerformanceIndex returns an index with every value missing.
func EmptyPerformanceIndex() PerformanceIndex {
	nan := math.NaN()
	return PerformanceIndex{
		GenerateSpeed:      nan,
		TimeToFirstToken:   nan,
		TimePerOutputToken: nan,
		SuccessRate:        nan,
		Throughput:         nan,
		TTFT:               EmptyDistribution(),
		TPOT:               EmptyDistribution(),
	}
}

// PerformanceColumns are the ledger column names of a PerformanceIndex, in order.
var PerformanceColumns = []string{
	"generate_speed", "time_to_first_token", "time_per_output_token", "success_rate", "throughput",
	"ttft_max", "ttft_min", "ttft_p75", "ttft_p90", "ttft_p99",
	"tpot_max", "tpot_min", "tpot_p75", "tpot_p90", "tpot_p99",
}

// Values returns the index in PerformanceColumns order.
func (p PerformanceIndex) Values() []float64 {
	return []float64{
		p.GenerateSpeed, p.TimeToFirstToken, p.TimePerOutputToken, p.SuccessRate, p.Throughput,
		p.TTFT.Max, p.TTFT.Min, p.TTFT.P75, p.TTFT.P90, p.TTFT.P99,
		p.TPOT.Max, p.TPOT.Min, p.TPOT.P75, p.TPOT.P90, p.TPOT.P99,
	}
}

// PerformanceIndexFromRow reads an index from a column → text row.
// Absent or unparsable columns become NaN.
func PerformanceIndexFromRow(row map[string]string) PerformanceIndex {
	get := func(k string) float64 {
		s, ok := row[k]
		if !ok || s == "" {
			return math.NaN()
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return v
	}
	p := EmptyPerformanceIndex()
	p.GenerateSpeed = get("generate_speed")
	p.TimeToFirstToken = get("time_to_first_token")
	p.TimePerOutputToken = get("time_per_output_token")
	p.SuccessRate = get("success_rate")
	p.Throughput = get("throughput")
	p.TTFT.Max, p.TTFT.Min = get("ttft_max"), get("ttft_min")
	p.TTFT.P75, p.TTFT.P90, p.TTFT.P99 = get("ttft_p75"), get("ttft_p90"), get("ttft_p99")
	p.TPOT.Max, p.TPOT.Min = get("tpot_max"), get("tpot_min")
	p.TPOT.P75, p.TPOT.P90, p.TPOT.P99 = get("tpot_p75"), get("tpot_p90"), get("tpot_p99")
	return p
}

func (p PerformanceIndex) String() string {
	return fmt.Sprintf("generate_speed=%.4g ttft=%.4g tpot=%.4g success_rate=%.4g throughput=%.4g",
		p.GenerateSpeed, p.TimeToFirstToken, p.TimePerOutputToken, p.SuccessRate, p.Throughput)
}

// FormatFloat renders a ledger value; NaN becomes the empty string.
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
