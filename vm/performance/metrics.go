// Package performance collects run statistics off a finished (or
// paused) machine and renders them as charts.
package performance

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// ThreadStats is the per-thread slice of a run.
type ThreadStats struct {
	ID           uint32 `json:"id"`
	Name         string `json:"name"`
	Executed     uint64 `json:"executed"`
	Switches     uint64 `json:"switches"`
	WaitTicks    uint64 `json:"waitTicks"`
	StallTicks   uint64 `json:"stallTicks"`
	AbnormalExit bool   `json:"abnormalExit,omitempty"`
}

// RunStats summarizes one run.
type RunStats struct {
	Program string `json:"program,omitempty"`
	Policy  string `json:"policy"`
	Seed    int64  `json:"seed"`

	Cycles          uint64  `json:"cycles"`
	Instructions    uint64  `json:"instructions"`
	ContextSwitches uint64  `json:"contextSwitches"`
	WaitTicks       uint64  `json:"waitTicks"`
	StallTicks      uint64  `json:"stallTicks"`
	Utilization     float64 `json:"utilization"` // retired per core-cycle

	Threads []ThreadStats `json:"threads"`

	// Counters carries extension-specific numbers: cache hit rates,
	// per-object lock contention and the like.
	Counters map[string]uint64 `json:"counters,omitempty"`

	Races            int `json:"races"`
	SecurityFindings int `json:"securityFindings"`
	TraceEvents      int `json:"traceEvents"`
	Outputs          int `json:"outputs"`
}

// CounterSource is anything contributing named counters to the report;
// the coherence controller and the sync manager both do.
type CounterSource interface {
	Counters() map[string]uint64
}

// Collect reads the machine's accounting and merges the extra counter
// sources into one report.
func Collect(m *vm.VM, sources ...CounterSource) RunStats {
	st := RunStats{
		Policy:      m.Scheduler().Name(),
		Seed:        m.Seed(),
		Cycles:      m.Cycle(),
		TraceEvents: m.Trace().Len(),
		Outputs:     len(m.Outputs()),
		Counters:    make(map[string]uint64),
	}
	for _, t := range m.Threads() {
		st.Instructions += t.Executed
		st.ContextSwitches += t.Switches
		st.WaitTicks += t.WaitTicks
		st.StallTicks += t.StallTicks
		st.Threads = append(st.Threads, ThreadStats{
			ID: t.ID, Name: t.Name, Executed: t.Executed, Switches: t.Switches,
			WaitTicks: t.WaitTicks, StallTicks: t.StallTicks, AbnormalExit: t.AbnormalExit,
		})
	}
	sort.Slice(st.Threads, func(i, j int) bool { return st.Threads[i].ID < st.Threads[j].ID })
	if st.Cycles > 0 {
		st.Utilization = float64(st.Instructions) / float64(st.Cycles)
	}
	for _, src := range sources {
		for k, v := range src.Counters() {
			st.Counters[k] += v
		}
	}
	st.Races = len(m.RaceReport().Findings)
	st.SecurityFindings = len(m.SecurityReport().Findings)
	log.Debug(log.TraceMonitoring, "stats collected", "cycles", st.Cycles,
		"instructions", st.Instructions, "switches", st.ContextSwitches)
	return st
}

// Timeline buckets retired instructions per thread over the run, for
// the utilization chart. It returns bucket labels and one series per
// thread.
func Timeline(m *vm.VM, buckets int) ([]string, map[string][]uint64) {
	if buckets <= 0 {
		buckets = 50
	}
	cycles := m.Cycle()
	if cycles == 0 {
		return nil, nil
	}
	width := (cycles + uint64(buckets) - 1) / uint64(buckets)
	if width == 0 {
		width = 1
	}

	labels := make([]string, buckets)
	for i := range labels {
		labels[i] = fmt.Sprintf("%d", uint64(i)*width)
	}
	series := make(map[string][]uint64)
	for _, t := range m.Threads() {
		series[t.Name] = make([]uint64, buckets)
	}
	for _, ev := range m.Trace().Filter(trace.KindInstruction, -1) {
		b := int(ev.Cycle / width)
		if b >= buckets {
			b = buckets - 1
		}
		if t, ok := m.Thread(ev.ThreadID); ok {
			series[t.Name][b]++
		}
	}
	return labels, series
}
