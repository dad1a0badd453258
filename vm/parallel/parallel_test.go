package parallel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

const (
	codeBase    = 0x1000
	dataBase    = 0x4000
	counterAddr = dataBase + 0x10
)

func ins(op types.Opcode, rd, ra, rb uint8, imm uint64) types.Instruction {
	return types.Instruction{Op: op, Rd: rd, Ra: ra, Rb: rb, Imm: imm}
}

// neg encodes a negative immediate for ADDI in two's complement.
func neg(n uint64) uint64 { return ^n + 1 }

func buildProgram(code []types.Instruction) *types.Program {
	return &types.Program{
		Name: "parallel-test",
		Code: code,
		Segments: []types.SegmentDesc{
			{Name: "code", Base: codeBase, Length: 0x2000, Perm: types.PermRead | types.PermExecute},
			{Name: "data", Base: dataBase, Length: 0x1000, Perm: types.PermRead | types.PermWrite},
			{Name: "stack", Base: 0x8000, Length: 0x4000, Perm: types.PermRead | types.PermWrite},
		},
	}
}

func TestNewScheduler(t *testing.T) {
	for _, policy := range []string{PolicyRoundRobin, "rr", PolicyPriority, "prio", PolicyShortestRemaining, "srb"} {
		s, err := NewScheduler(policy, 4)
		require.NoError(t, err, policy)
		assert.Equal(t, uint32(4), s.Quantum())
	}
	_, err := NewScheduler("lottery", 4)
	assert.Error(t, err)
}

func TestRoundRobinFairness(t *testing.T) {
	sched, err := NewScheduler(PolicyRoundRobin, 1)
	require.NoError(t, err)
	m := vm.NewVM(vm.Config{Scheduler: sched})
	require.NoError(t, m.LoadProgram(buildProgram([]types.Instruction{
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.HALT, 0, 0, 0, 0),
	})))
	for i := 0; i < 3; i++ {
		_, err := m.CreateThread(0, 0)
		require.NoError(t, err)
	}
	require.NoError(t, m.Run(vm.RunOptions{Seed: 1, MaxCycles: 1000}))
	require.Equal(t, types.MachineFinished, m.State())

	for _, th := range m.Threads() {
		assert.Equal(t, uint64(4), th.Executed, "thread %d", th.ID)
		assert.GreaterOrEqual(t, th.Switches, uint64(3), "thread %d", th.ID)
	}

	// With a one-tick quantum and three ready threads, no thread retires
	// two instructions back to back while the others are still alive.
	evs := m.Trace().Filter(trace.KindInstruction, -1)
	require.GreaterOrEqual(t, len(evs), 9)
	for i := 1; i < 9; i++ {
		assert.NotEqual(t, evs[i-1].ThreadID, evs[i].ThreadID, "consecutive dispatch at %d", i)
	}
}

func TestPrioritySchedulerPick(t *testing.T) {
	s := &PriorityScheduler{quantum: 4}
	rng := rand.New(rand.NewSource(1))
	low := &vm.Thread{ID: 0, Priority: 1}
	high := &vm.Thread{ID: 1, Priority: 5}

	assert.Equal(t, high, s.Pick(0, nil, []*vm.Thread{low, high}, false, rng))
	// a strictly higher priority arrival preempts mid-quantum
	assert.Equal(t, high, s.Pick(0, low, []*vm.Thread{high}, false, rng))
	// equal priority holds the core until the quantum expires
	peer := &vm.Thread{ID: 2, Priority: 5}
	assert.Equal(t, high, s.Pick(0, high, []*vm.Thread{peer}, false, rng))
	assert.Equal(t, peer, s.Pick(0, high, []*vm.Thread{peer}, true, rng))
}

func TestShortestRemainingPick(t *testing.T) {
	s := &ShortestRemainingScheduler{}
	rng := rand.New(rand.NewSource(1))
	long := &vm.Thread{ID: 0, Remaining: 100}
	short := &vm.Thread{ID: 1, Remaining: 5}

	assert.Equal(t, short, s.Pick(0, nil, []*vm.Thread{long, short}, false, rng))
	// a shorter job preempts, an equal or longer one does not
	assert.Equal(t, short, s.Pick(0, long, []*vm.Thread{short}, false, rng))
	assert.Equal(t, short, s.Pick(0, short, []*vm.Thread{long}, false, rng))
}

// counterLoop increments the word at counterAddr n times, guarded by
// mutex 1 when locked is true.
func counterLoop(n uint64, locked bool) []types.Instruction {
	guard := func(op types.Opcode) types.Instruction {
		if locked {
			return ins(op, 0, 0, 0, 1)
		}
		return ins(types.NOP, 0, 0, 0, 0)
	}
	return []types.Instruction{
		ins(types.MOVI, 1, 0, 0, counterAddr),
		ins(types.MOVI, 2, 0, 0, n),
		ins(types.MOVI, 3, 0, 0, 0),
		guard(types.LOCKACQ),
		ins(types.LOAD, 4, 1, 0, 0),
		ins(types.ADDI, 4, 4, 0, 1),
		ins(types.STORE, 4, 1, 0, 0),
		guard(types.LOCKREL),
		ins(types.ADDI, 2, 2, 0, neg(1)),
		ins(types.BNE, 0, 2, 3, 3),
		ins(types.HALT, 0, 0, 0, 0),
	}
}

func runCounter(t *testing.T, locked bool) (*vm.VM, uint64) {
	t.Helper()
	sched, err := NewScheduler(PolicyRoundRobin, 2)
	require.NoError(t, err)
	m := vm.NewVM(vm.Config{Scheduler: sched})
	mgr := NewSyncManager()
	require.NoError(t, m.RegisterExtension(mgr))
	require.NoError(t, m.RegisterExtension(NewRaceDetector(mgr)))
	require.NoError(t, m.LoadProgram(buildProgram(counterLoop(100, locked))))
	for i := 0; i < 2; i++ {
		_, err := m.CreateThread(0, 0)
		require.NoError(t, err)
	}
	require.NoError(t, m.Run(vm.RunOptions{Seed: 7, MaxCycles: 1_000_000}))
	require.Equal(t, types.MachineFinished, m.State())

	v, err := m.Memory().ReadU64(m.Cycle(), 0, counterAddr)
	require.NoError(t, err)
	return m, v
}

func TestMutexCounter(t *testing.T) {
	m, v := runCounter(t, true)
	assert.Equal(t, uint64(200), v)

	report := m.RaceReport()
	assert.Empty(t, report.Findings)
	assert.NotZero(t, report.Checked)
}

func TestUnsynchronizedCounterRaces(t *testing.T) {
	m, v := runCounter(t, false)
	assert.Less(t, v, uint64(200), "interleaved read-modify-write must lose updates")

	report := m.RaceReport()
	require.NotEmpty(t, report.Findings)
	f := report.Findings[0]
	assert.Equal(t, uint64(counterAddr), f.Addr)
	assert.Equal(t, []uint32{0, 1}, f.Threads)

	raceEvents := m.Trace().Filter(trace.KindRace, -1)
	require.NotEmpty(t, raceEvents)
	assert.Contains(t, raceEvents[0].Detail, "RaceConditionDetected")
}

func TestSemaphoreSignalling(t *testing.T) {
	// producer at 0 stores a value and posts; consumer at 5 waits and loads
	code := []types.Instruction{
		ins(types.MOVI, 1, 0, 0, dataBase),
		ins(types.MOVI, 2, 0, 0, 7),
		ins(types.STORE, 2, 1, 0, 0),
		ins(types.SEMPOST, 0, 0, 0, 9),
		ins(types.HALT, 0, 0, 0, 0),
		ins(types.SEMWAIT, 0, 0, 0, 9),
		ins(types.MOVI, 1, 0, 0, dataBase),
		ins(types.LOAD, 3, 1, 0, 0),
		ins(types.HALT, 0, 0, 0, 0),
	}
	sched, err := NewScheduler(PolicyRoundRobin, 1)
	require.NoError(t, err)
	m := vm.NewVM(vm.Config{Scheduler: sched})
	mgr := NewSyncManager()
	mgr.CreateSemaphore(9, 0)
	require.NoError(t, m.RegisterExtension(mgr))
	require.NoError(t, m.RegisterExtension(NewRaceDetector(mgr)))
	require.NoError(t, m.LoadProgram(buildProgram(code)))
	_, err = m.CreateThread(0, 0)
	require.NoError(t, err)
	consumer, err := m.CreateThread(5, 0)
	require.NoError(t, err)

	require.NoError(t, m.Run(vm.RunOptions{Seed: 1, MaxCycles: 10_000}))
	require.Equal(t, types.MachineFinished, m.State())

	th, _ := m.Thread(consumer)
	assert.Equal(t, uint64(7), th.Regs[3])
	// the post/wait pair orders the store before the load
	assert.Empty(t, m.RaceReport().Findings)
}

func TestBarrierReleasesAllParties(t *testing.T) {
	code := []types.Instruction{
		ins(types.BARWAIT, 0, 0, 0, 3),
		ins(types.HALT, 0, 0, 0, 0),
	}
	sched, err := NewScheduler(PolicyRoundRobin, 1)
	require.NoError(t, err)
	m := vm.NewVM(vm.Config{Scheduler: sched})
	mgr := NewSyncManager()
	mgr.CreateBarrier(3, 3)
	require.NoError(t, m.RegisterExtension(mgr))
	require.NoError(t, m.LoadProgram(buildProgram(code)))
	for i := 0; i < 3; i++ {
		_, err := m.CreateThread(0, 0)
		require.NoError(t, err)
	}

	require.NoError(t, m.Run(vm.RunOptions{Seed: 1, MaxCycles: 10_000}))
	require.Equal(t, types.MachineFinished, m.State())
	for _, th := range m.Threads() {
		assert.False(t, th.AbnormalExit, "thread %d", th.ID)
	}

	stats := mgr.ObjectStats()
	assert.Equal(t, uint64(2), stats["barrier_3_contended"])
}

func TestSelfDeadlock(t *testing.T) {
	code := []types.Instruction{
		ins(types.LOCKACQ, 0, 0, 0, 1),
		ins(types.LOCKACQ, 0, 0, 0, 1),
		ins(types.HALT, 0, 0, 0, 0),
	}
	m := vm.NewVM(vm.Config{})
	mgr := NewSyncManager()
	require.NoError(t, m.RegisterExtension(mgr))
	require.NoError(t, m.LoadProgram(buildProgram(code)))
	_, err := m.CreateThread(0, 0)
	require.NoError(t, err)

	err = m.Run(vm.RunOptions{Seed: 1, MaxCycles: 10_000})
	require.Error(t, err)
	assert.ErrorIs(t, err, uvmerrors.ErrDeadlockDetected)
	assert.Equal(t, types.MachineFaulted, m.State())
	assert.Contains(t, err.Error(), "wait-for cycle")
}

func TestABBADeadlock(t *testing.T) {
	// thread 0 takes mutex 1 then 2; thread 1 (entry 4) takes 2 then 1
	code := []types.Instruction{
		ins(types.LOCKACQ, 0, 0, 0, 1),
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.LOCKACQ, 0, 0, 0, 2),
		ins(types.HALT, 0, 0, 0, 0),
		ins(types.LOCKACQ, 0, 0, 0, 2),
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.LOCKACQ, 0, 0, 0, 1),
		ins(types.HALT, 0, 0, 0, 0),
	}
	sched, err := NewScheduler(PolicyRoundRobin, 1)
	require.NoError(t, err)
	m := vm.NewVM(vm.Config{Scheduler: sched})
	mgr := NewSyncManager()
	require.NoError(t, m.RegisterExtension(mgr))
	require.NoError(t, m.LoadProgram(buildProgram(code)))
	_, err = m.CreateThread(0, 0)
	require.NoError(t, err)
	_, err = m.CreateThread(4, 0)
	require.NoError(t, err)

	err = m.Run(vm.RunOptions{Seed: 1, MaxCycles: 10_000})
	assert.ErrorIs(t, err, uvmerrors.ErrDeadlockDetected)

	cycle, rendition, found := mgr.DetectDeadlock()
	require.True(t, found)
	assert.ElementsMatch(t, []uint32{0, 1}, cycle)
	assert.Contains(t, rendition, "wait-for cycle")
}

func TestMutexOwnershipViolation(t *testing.T) {
	code := []types.Instruction{
		ins(types.LOCKREL, 0, 0, 0, 1),
		ins(types.HALT, 0, 0, 0, 0),
	}
	m := vm.NewVM(vm.Config{})
	mgr := NewSyncManager()
	mgr.CreateMutex(1)
	require.NoError(t, m.RegisterExtension(mgr))
	require.NoError(t, m.LoadProgram(buildProgram(code)))
	_, err := m.CreateThread(0, 0)
	require.NoError(t, err)

	require.NoError(t, m.Run(vm.RunOptions{Seed: 1, MaxCycles: 1000}))
	assert.Equal(t, types.MachineFinished, m.State())
	th, _ := m.Thread(0)
	assert.True(t, th.AbnormalExit)

	faults := m.Trace().Filter(trace.KindFault, -1)
	require.Len(t, faults, 1)
	assert.Contains(t, faults[0].Detail, "OwnershipViolation")
}

func TestCoherenceInvalidations(t *testing.T) {
	// two cores hammer the same cache line
	code := []types.Instruction{
		ins(types.MOVI, 1, 0, 0, counterAddr),
		ins(types.MOVI, 2, 0, 0, 20),
		ins(types.MOVI, 3, 0, 0, 0),
		ins(types.STORE, 2, 1, 0, 0),
		ins(types.ADDI, 2, 2, 0, neg(1)),
		ins(types.BNE, 0, 2, 3, 3),
		ins(types.HALT, 0, 0, 0, 0),
	}
	m := vm.NewVM(vm.Config{NumCores: 2})
	cc := NewCoherenceController(2)
	require.NoError(t, m.RegisterExtension(cc))
	require.NoError(t, m.LoadProgram(buildProgram(code)))
	for i := 0; i < 2; i++ {
		_, err := m.CreateThread(0, 0)
		require.NoError(t, err)
	}

	require.NoError(t, m.Run(vm.RunOptions{Seed: 1, MaxCycles: 100_000}))
	require.Equal(t, types.MachineFinished, m.State())

	stats := cc.Stats()
	assert.NotZero(t, stats.Misses)
	assert.NotZero(t, stats.Invalidations)

	var modified int
	for _, st := range cc.LineStates(counterAddr) {
		if st == Modified {
			modified++
		}
	}
	assert.LessOrEqual(t, modified, 1, "at most one core may hold the line Modified")

	counters := cc.Counters()
	assert.Equal(t, stats.Misses, counters["cache_misses"])
}
