package performance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/parallel"
)

func finishedRun(t *testing.T) (*vm.VM, *parallel.SyncManager) {
	t.Helper()
	sched, err := parallel.NewScheduler(parallel.PolicyRoundRobin, 2)
	require.NoError(t, err)
	m := vm.NewVM(vm.Config{Scheduler: sched})
	mgr := parallel.NewSyncManager()
	require.NoError(t, m.RegisterExtension(mgr))

	require.NoError(t, m.LoadProgram(&types.Program{
		Name: "perf-test",
		Code: []types.Instruction{
			{Op: types.LOCKACQ, Imm: 1},
			{Op: types.MOVI, Rd: 1, Imm: 5},
			{Op: types.LOCKREL, Imm: 1},
			{Op: types.HALT},
		},
		Segments: []types.SegmentDesc{
			{Name: "code", Base: 0x1000, Length: 0x1000, Perm: types.PermRead | types.PermExecute},
			{Name: "stack", Base: 0x8000, Length: 0x2000, Perm: types.PermRead | types.PermWrite},
		},
	}))
	for i := 0; i < 2; i++ {
		_, err := m.CreateThread(0, 0)
		require.NoError(t, err)
	}
	require.NoError(t, m.Run(vm.RunOptions{Seed: 9, MaxCycles: 10_000}))
	require.Equal(t, types.MachineFinished, m.State())
	return m, mgr
}

func TestCollect(t *testing.T) {
	m, mgr := finishedRun(t)
	st := Collect(m, mgr)

	assert.Equal(t, parallel.PolicyRoundRobin, st.Policy)
	assert.Equal(t, int64(9), st.Seed)
	assert.Equal(t, m.Cycle(), st.Cycles)
	assert.Equal(t, uint64(8), st.Instructions) // 4 per thread, retries do not retire
	assert.Equal(t, m.Trace().Len(), st.TraceEvents)
	assert.Zero(t, st.Races)
	assert.Zero(t, st.Outputs)
	assert.InDelta(t, float64(st.Instructions)/float64(st.Cycles), st.Utilization, 1e-9)

	require.Len(t, st.Threads, 2)
	assert.Equal(t, uint32(0), st.Threads[0].ID)
	assert.Equal(t, uint64(4), st.Threads[0].Executed)

	assert.Equal(t, uint64(2), st.Counters["mutex_1_acquires"])
}

func TestTimeline(t *testing.T) {
	m, _ := finishedRun(t)
	labels, series := Timeline(m, 10)
	require.Len(t, labels, 10)
	require.Len(t, series, 2)

	var total uint64
	for _, buckets := range series {
		require.Len(t, buckets, 10)
		for _, n := range buckets {
			total += n
		}
	}
	assert.Equal(t, uint64(8), total)
}

func TestTimelineEmptyMachine(t *testing.T) {
	m := vm.NewVM(vm.Config{})
	labels, series := Timeline(m, 10)
	assert.Nil(t, labels)
	assert.Nil(t, series)
}

func TestRenderHTML(t *testing.T) {
	m, mgr := finishedRun(t)
	st := Collect(m, mgr)

	path := filepath.Join(t.TempDir(), "run.html")
	require.NoError(t, RenderHTML(m, st, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "echarts")
}
