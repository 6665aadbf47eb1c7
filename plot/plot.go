// Package plot renders learning curves as a standalone HTML page.
package plot

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

var ErrNoSeries = errors.New("plot: at least one non-empty series is required")

type Series struct {
	Name   string
	Values []float64
}

// MovingAverage smooths values with a trailing window; the first window-1 points average what is
// available so far.
func MovingAverage(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(values))
	var acc float64
	for i, v := range values {
		acc += v
		if i >= window {
			acc -= values[i-window]
		}
		out[i] = acc / float64(min(i+1, window))
	}
	return out
}

// LearningCurve writes one line chart with a series per learner, indexed by episode.
func LearningCurve(w io.Writer, title string, series ...Series) error {
	n := 0
	for _, s := range series {
		n = max(n, len(s.Values))
	}
	if n == 0 {
		return ErrNoSeries
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title: title,
		}),
		charts.WithInitializationOpts(opts.Initialization{
			Theme: "shine",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "episode"}),
	)

	episodes := make([]string, n)
	for i := range episodes {
		episodes[i] = fmt.Sprintf("%d", i)
	}
	line.SetXAxis(episodes)

	for _, s := range series {
		items := make([]opts.LineData, len(s.Values))
		for i, v := range s.Values {
			items[i] = opts.LineData{Value: v}
		}
		line.AddSeries(s.Name, items)
	}

	page := components.NewPage()
	page.AddCharts(line)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
