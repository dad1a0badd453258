package performance

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/vm"
)

// RenderHTML writes a self-contained report page: per-thread bar chart,
// instruction timeline, and the extension counters.
func RenderHTML(m *vm.VM, st RunStats, path string) error {
	page := components.NewPage()
	page.AddCharts(threadBar(st), timelineChart(m), counterBar(st))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return err
	}
	log.Info(log.TraceMonitoring, "performance report written", "path", path)
	return nil
}

func threadBar(st RunStats) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Per-thread accounting",
			Subtitle: fmt.Sprintf("policy=%s seed=%d cycles=%d", st.Policy, st.Seed, st.Cycles),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	axis := make([]string, 0, len(st.Threads))
	executed := make([]opts.BarData, 0, len(st.Threads))
	waited := make([]opts.BarData, 0, len(st.Threads))
	stalled := make([]opts.BarData, 0, len(st.Threads))
	switched := make([]opts.BarData, 0, len(st.Threads))
	for _, t := range st.Threads {
		axis = append(axis, t.Name)
		executed = append(executed, opts.BarData{Value: t.Executed})
		waited = append(waited, opts.BarData{Value: t.WaitTicks})
		stalled = append(stalled, opts.BarData{Value: t.StallTicks})
		switched = append(switched, opts.BarData{Value: t.Switches})
	}
	bar.SetXAxis(axis).
		AddSeries("executed", executed).
		AddSeries("wait ticks", waited).
		AddSeries("stall ticks", stalled).
		AddSeries("switches", switched)
	return bar
}

func timelineChart(m *vm.VM) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Instruction timeline"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	labels, series := Timeline(m, 50)
	line.SetXAxis(labels)

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data := make([]opts.LineData, 0, len(series[name]))
		for _, v := range series[name] {
			data = append(data, opts.LineData{Value: v})
		}
		line.AddSeries(name, data)
	}
	return line
}

func counterBar(st RunStats) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Extension counters"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	keys := make([]string, 0, len(st.Counters))
	for k := range st.Counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := make([]opts.BarData, 0, len(keys))
	for _, k := range keys {
		data = append(data, opts.BarData{Value: st.Counters[k]})
	}
	bar.SetXAxis(keys).AddSeries("count", data)
	return bar
}
