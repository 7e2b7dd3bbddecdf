// Package plot renders an HTML report of an optimization session.
package plot

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/optimizer"
)

// ReportFileName is the report written into the output directory.
const ReportFileName = "report.html"

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Convergence is a line of the swarm's best fitness per iteration.
// Iterations without a feasible candidate are gaps.
func Convergence(costs []float64) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Swarm convergence"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros}),
		charts.WithXAxisOpts(opts.XAxis{Name: "iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "best fitness", SplitLine: &opts.SplitLine{Show: opts.Bool(true)}}),
	)
	x := make([]string, len(costs))
	data := make([]opts.LineData, len(costs))
	for i, c := range costs {
		x[i] = strconv.Itoa(i + 1)
		if finite(c) {
			data[i] = opts.LineData{Value: c}
		} else {
			data[i] = opts.LineData{Value: "-"}
		}
	}
	line.SetXAxis(x).AddSeries("best fitness", data)
	return line
}

func points(cs []optimizer.Candidate, symbol string, size int) []opts.ScatterData {
	out := make([]opts.ScatterData, 0, len(cs))
	for _, c := range cs {
		if !finite(c.Perf.GenerateSpeed) || !finite(c.Perf.TimePerOutputToken) {
			continue
		}
		out = append(out, opts.ScatterData{
			Name:       c.Params.String(),
			Value:      []float64{c.Perf.GenerateSpeed, c.Perf.TimePerOutputToken},
			Symbol:     symbol,
			SymbolSize: size,
		})
	}
	return out
}

// Candidates scatters every evaluation by generate speed against TPOT and
// highlights the refined candidates, the baseline and the winner.
func Candidates(res optimizer.Result) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Candidates"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros}),
		charts.WithXAxisOpts(opts.XAxis{Name: "generate speed (tok/s)", SplitLine: &opts.SplitLine{Show: opts.Bool(true)}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "tpot (s)", SplitLine: &opts.SplitLine{Show: opts.Bool(true)}}),
	)

	history := make([]optimizer.Candidate, 0, len(res.History))
	for _, r := range res.History {
		if r.Feasible() {
			history = append(history, optimizer.Candidate{Fitness: r.Fitness, Params: r.Params, Perf: r.Perf})
		}
	}
	scatter.AddSeries("evaluated", points(history, "circle", 4)).
		AddSeries("refined", points(res.Candidates, "triangle", 8)).
		AddSeries("baseline", points([]optimizer.Candidate{res.Baseline}, "diamond", 12)).
		AddSeries("best", points([]optimizer.Candidate{res.Best}, "pin", 16)).
		SetSeriesOptions(
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(false)}),
			charts.WithEmphasisOpts(opts.Emphasis{}),
		)
	return scatter
}

// Report writes the convergence line and the candidate scatter to path.
func Report(path string, res optimizer.Result) error {
	if len(res.History) == 0 {
		return fmt.Errorf("plot: nothing was evaluated")
	}
	page := components.NewPage()
	page.PageTitle = "autotune report"
	page.AddCharts(Convergence(res.CostHistory), Candidates(res))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("plot: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("plot: %w", err)
	}
	defer f.Close()
	return page.Render(f)
}

// Summary is a one-line description of the winner for logs.
func Summary(res optimizer.Result) string {
	return fmt.Sprintf("best %v fitness=%s (baseline %s) %s",
		res.Best.Params, tune.FormatFloat(res.Best.Fitness), tune.FormatFloat(res.Baseline.Fitness), res.Best.Perf)
}
