package vm

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// Shorthand aliases for trace record kinds.
var (
	trInstruction   = trace.KindInstruction
	trContextSwitch = trace.KindContextSwitch
	trFault         = trace.KindFault
	trOutput        = trace.KindOutput
	trThread        = trace.KindThread
	trMachine       = trace.KindMachine
)

// Config sets up one machine. Zero values get defaults.
type Config struct {
	NumCores    int    // simulated cores, default 1
	MemoryBytes uint64 // backing store size, default 1 MiB
	StackBytes  uint64 // stack carved per thread, default 4096

	// Scheduler multiplexes threads over cores. When nil, a cooperative
	// run-to-completion policy is used; the parallel extension package
	// provides the preemptive ones.
	Scheduler Scheduler
}

// RunOptions parameterizes one Run call.
type RunOptions struct {
	// MaxCycles faults the machine with ResourceExhausted when exceeded;
	// 0 means no budget.
	MaxCycles uint64

	// Seed drives the scheduler tie-break PRNG and ASLR offsets.
	// Identical seed and policy reproduce identical traces.
	Seed int64
}

// VM is the orchestrator: it exclusively owns the memory system, the
// thread contexts, the scheduler, the execution trace, and the ordered
// extension list, and drives the simulation tick by tick.
type VM struct {
	cfg   Config
	state types.MachineState

	mem     *MemorySystem
	cores   []*Processor
	sched   Scheduler
	rng     *rand.Rand
	seed    int64
	cycle   uint64
	trace   *trace.Trace
	outputs []uint64

	threads     map[uint32]*Thread
	threadOrder []uint32
	nextTID     uint32

	program *types.Program
	codeSeg types.SegmentDesc
	decoded map[uint64]types.Instruction
	laidOut bool

	extensions []Extension

	// Capability bindings resolved once at registration.
	sync       SyncHandler
	deadlock   DeadlockDetector
	gate       SyscallGate
	randomizer SegmentRandomizer

	raceReporters []RaceReporter
	secReporters  []SecurityReporter

	breakpoints map[uint64]bool
	pauseReq    bool

	pendingDeltas []trace.MemoryDelta
	fatal         error
}

func NewVM(cfg Config) *VM {
	if cfg.NumCores <= 0 {
		cfg.NumCores = 1
	}
	if cfg.MemoryBytes == 0 {
		cfg.MemoryBytes = 1 << 20
	}
	if cfg.StackBytes == 0 {
		cfg.StackBytes = 4096
	}
	m := &VM{
		cfg:         cfg,
		state:       types.MachineIdle,
		mem:         NewMemorySystem(cfg.MemoryBytes),
		trace:       trace.New(),
		threads:     make(map[uint32]*Thread),
		decoded:     make(map[uint64]types.Instruction),
		breakpoints: make(map[uint64]bool),
		sched:       cfg.Scheduler,
	}
	if m.sched == nil {
		m.sched = fifoScheduler{}
	}
	for i := 0; i < cfg.NumCores; i++ {
		m.cores = append(m.cores, &Processor{ID: i})
	}
	return m
}

// State returns the lifecycle state.
func (m *VM) State() types.MachineState { return m.state }

// Cycle returns the current simulation cycle.
func (m *VM) Cycle() uint64 { return m.cycle }

// Seed returns the seed the machine was laid out with.
func (m *VM) Seed() int64 { return m.seed }

// Memory returns the machine's memory system.
func (m *VM) Memory() *MemorySystem { return m.mem }

// Trace returns the machine's execution trace.
func (m *VM) Trace() *trace.Trace { return m.trace }

// Outputs returns values emitted by OUT instructions.
func (m *VM) Outputs() []uint64 { return m.outputs }

// Scheduler returns the active scheduling policy.
func (m *VM) Scheduler() Scheduler { return m.sched }

// CodeSegment returns the executable segment after layout (ASLR applied).
func (m *VM) CodeSegment() types.SegmentDesc { return m.codeSeg }

// branchTarget converts a code-relative instruction index to an absolute
// address.
func (m *VM) branchTarget(index uint64) uint64 {
	return m.codeSeg.Base + index*types.InstrWidth
}

// RegisterExtension appends ext to the hook chain and binds its capability
// interfaces. Extensions must be registered while the machine is IDLE.
func (m *VM) RegisterExtension(ext Extension) error {
	if m.state != types.MachineIdle {
		return fmt.Errorf("%w: register extension in state %s", uvmerrors.ErrMachineState, m.state)
	}
	m.extensions = append(m.extensions, ext)

	// Resolved once here, never per tick.
	if s, ok := ext.(SyncHandler); ok {
		m.sync = s
	}
	if d, ok := ext.(DeadlockDetector); ok {
		m.deadlock = d
	}
	if g, ok := ext.(SyscallGate); ok {
		m.gate = g
	}
	if r, ok := ext.(SegmentRandomizer); ok {
		m.randomizer = r
	}
	if c, ok := ext.(AccessChecker); ok {
		m.mem.AddProtector(c)
	}
	if rr, ok := ext.(RaceReporter); ok {
		m.raceReporters = append(m.raceReporters, rr)
	}
	if sr, ok := ext.(SecurityReporter); ok {
		m.secReporters = append(m.secReporters, sr)
	}
	log.Info(log.CoreMonitoring, "extension registered", "name", ext.Name())
	return nil
}

// LoadProgram takes exclusive ownership of the program. The address space
// is laid out lazily at the first Run/Step so the run seed can drive ASLR.
func (m *VM) LoadProgram(p *types.Program) error {
	if m.state != types.MachineIdle {
		return fmt.Errorf("%w: load in state %s", uvmerrors.ErrMachineState, m.state)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.program = p
	return nil
}

// CreateThread adds a thread starting at the given instruction index.
func (m *VM) CreateThread(entry uint64, priority int) (uint32, error) {
	if m.program == nil {
		return 0, uvmerrors.ErrNoProgram
	}
	if entry >= uint64(len(m.program.Code)) {
		return 0, fmt.Errorf("entry %d outside code (%d instructions)", entry, len(m.program.Code))
	}
	id := m.nextTID
	m.nextTID++
	t := &Thread{
		ID:        id,
		Name:      fmt.Sprintf("thread-%d", id),
		Entry:     entry,
		Priority:  priority,
		State:     types.ThreadReady,
		Priv:      types.PrivUser,
		BlockedOn: -1,
		Remaining: uint64(len(m.program.Code)),
	}
	m.threads[id] = t
	m.threadOrder = append(m.threadOrder, id)
	if m.laidOut {
		m.placeThread(t)
	}
	ev := m.newEvent(trThread, t)
	ev.Detail = fmt.Sprintf("created entry=%d priority=%d", entry, priority)
	m.appendEvent(ev)
	return id, nil
}

// Thread returns a thread context by id.
func (m *VM) Thread(id uint32) (*Thread, bool) {
	t, ok := m.threads[id]
	return t, ok
}

// Threads returns thread contexts in creation order.
func (m *VM) Threads() []*Thread {
	out := make([]*Thread, 0, len(m.threadOrder))
	for _, id := range m.threadOrder {
		out = append(out, m.threads[id])
	}
	return out
}

// CoreIndexOf returns the core currently running thread id, or -1.
func (m *VM) CoreIndexOf(tid uint32) int {
	for _, p := range m.cores {
		if p.current != nil && p.current.ID == tid {
			return p.ID
		}
	}
	return -1
}

// AddStall charges extra latency ticks to a core; used by the coherence
// timing model.
func (m *VM) AddStall(core int, ticks uint32) {
	if core >= 0 && core < len(m.cores) {
		m.cores[core].stall += ticks
	}
}

// AddBreakpoint pauses the machine before the instruction at the given
// code index executes.
func (m *VM) AddBreakpoint(index uint64) { m.breakpoints[index] = true }

// ClearBreakpoint removes a breakpoint.
func (m *VM) ClearBreakpoint(index uint64) { delete(m.breakpoints, index) }

// Pause requests a transition to PAUSED at the next tick boundary.
func (m *VM) Pause() { m.pauseReq = true }

// layout maps segments (with ASLR offsets when a randomizer is present),
// encodes the instruction stream into the code segment, loads static data,
// and resolves every thread's PC and stack.
func (m *VM) layout(seed int64) error {
	if m.program == nil {
		return uvmerrors.ErrNoProgram
	}
	m.seed = seed
	m.rng = rand.New(rand.NewSource(seed))

	var slack map[string]uint64
	if m.randomizer != nil {
		slack = segmentSlack(m.program.Segments, m.mem.Size())
	}
	for _, sd := range m.program.Segments {
		seg := sd
		if m.randomizer != nil {
			off := m.randomizer.SegmentOffset(seg.Name, seed)
			// A slide past the gap to the next segment would collide with
			// it; fold the offset back into the gap, keeping alignment.
			if gap := slack[seg.Name]; off > gap {
				off %= (gap &^ 0xF) + 0x10
			}
			seg.Base += off
			log.Debug(log.SecurityMonitoring, "aslr slide", "segment", seg.Name, "offset", off)
		}
		if err := m.mem.AddSegment(seg); err != nil {
			return err
		}
		if seg.Perm.Has(types.PermExecute) && m.codeSeg.Length == 0 {
			m.codeSeg = seg
		}
	}

	// Decode once at load: the encoded form lives in memory for
	// permission-checked fetches, the decoded form drives dispatch.
	buf := make([]byte, types.InstrWidth)
	for i, in := range m.program.Code {
		addr := m.codeSeg.Base + uint64(i)*types.InstrWidth
		in.Encode(buf)
		if err := m.mem.WriteRaw(addr, buf); err != nil {
			return err
		}
		m.decoded[addr] = in
	}

	if len(m.program.Data) > 0 {
		dataSeg, ok := m.dataSegment()
		if !ok {
			return fmt.Errorf("program %q carries data but has no writable data segment", m.program.Name)
		}
		if uint64(len(m.program.Data)) > dataSeg.Length {
			return fmt.Errorf("data (%d bytes) exceeds segment %q", len(m.program.Data), dataSeg.Name)
		}
		if err := m.mem.WriteRaw(dataSeg.Base, m.program.Data); err != nil {
			return err
		}
	}

	for _, id := range m.threadOrder {
		m.placeThread(m.threads[id])
	}
	m.laidOut = true
	log.Info(log.CoreMonitoring, "address space laid out", "program", m.program.Name,
		"seed", seed, "segments", len(m.program.Segments))
	return nil
}

// segmentSlack returns, per segment, the largest upward slide that stays
// clear of the next segment in address order (or of the end of the
// backing store, for the last one). Capping every slide at its slack
// keeps any combination of per-segment offsets overlap-free.
func segmentSlack(segs []types.SegmentDesc, memSize uint64) map[string]uint64 {
	ordered := make([]types.SegmentDesc, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Base < ordered[j].Base })

	slack := make(map[string]uint64, len(ordered))
	for i, s := range ordered {
		limit := memSize
		if i+1 < len(ordered) {
			limit = ordered[i+1].Base
		}
		end := s.Base + s.Length
		if limit > end {
			slack[s.Name] = limit - end
		}
	}
	return slack
}

// dataSegment returns the first writable, non-executable, non-stack segment
// after layout.
func (m *VM) dataSegment() (types.SegmentDesc, bool) {
	for _, s := range m.mem.Segments() {
		if s.Perm.Has(types.PermWrite) && !s.Perm.Has(types.PermExecute) && s.Name != "stack" {
			return s, true
		}
	}
	return types.SegmentDesc{}, false
}

// stackSegment returns the segment named "stack" after layout.
func (m *VM) stackSegment() (types.SegmentDesc, bool) {
	for _, s := range m.mem.Segments() {
		if s.Name == "stack" {
			return s, true
		}
	}
	return types.SegmentDesc{}, false
}

// placeThread resolves the absolute PC and carves a stack block.
func (m *VM) placeThread(t *Thread) {
	t.PC = m.codeSeg.Base + t.Entry*types.InstrWidth
	if ss, ok := m.stackSegment(); ok {
		slot := uint64(t.ID) * m.cfg.StackBytes
		top := ss.Base + ss.Length - slot
		if top > ss.Base {
			t.SetSP(top)
		}
	}
}

// Run drives the machine until it finishes, faults, pauses, or exhausts
// the cycle budget. The returned error is the VM-fatal fault, if any.
func (m *VM) Run(opts RunOptions) error {
	switch m.state {
	case types.MachineIdle:
		if err := m.start(opts.Seed); err != nil {
			return err
		}
	case types.MachinePaused:
		m.setState(types.MachineRunning, "resume")
	case types.MachineRunning:
	default:
		return fmt.Errorf("%w: run in state %s", uvmerrors.ErrMachineState, m.state)
	}

	for m.state == types.MachineRunning {
		if opts.MaxCycles > 0 && m.cycle >= opts.MaxCycles {
			m.fatalFault(&uvmerrors.Fault{
				Err: uvmerrors.ErrResourceExhausted, Cycle: m.cycle,
				Detail: fmt.Sprintf("cycle budget %d exceeded", opts.MaxCycles),
			})
			break
		}
		m.tick()
	}
	return m.fatal
}

// Step executes exactly one tick and leaves the machine PAUSED unless it
// finished or faulted.
func (m *VM) Step(opts RunOptions) error {
	switch m.state {
	case types.MachineIdle:
		if err := m.start(opts.Seed); err != nil {
			return err
		}
	case types.MachinePaused:
		m.setState(types.MachineRunning, "step")
	case types.MachineRunning:
	default:
		return fmt.Errorf("%w: step in state %s", uvmerrors.ErrMachineState, m.state)
	}
	m.tick()
	if m.state == types.MachineRunning {
		m.setState(types.MachinePaused, "step")
	}
	return m.fatal
}

func (m *VM) start(seed int64) error {
	if !m.laidOut {
		if err := m.layout(seed); err != nil {
			return err
		}
	}
	if len(m.threads) == 0 {
		return fmt.Errorf("%w: no threads created", uvmerrors.ErrMachineState)
	}
	m.setState(types.MachineRunning, "run")
	return nil
}

func (m *VM) setState(s types.MachineState, why string) {
	prev := m.state
	m.state = s
	ev := m.newEvent(trMachine, nil)
	ev.Detail = fmt.Sprintf("%s -> %s (%s)", prev, s, why)
	m.appendEvent(ev)
	log.Debug(log.CoreMonitoring, "machine state", "prev", prev.String(), "state", s.String(), "why", why)
}

// tick advances the whole machine by one simulation cycle.
func (m *VM) tick() {
	if m.pauseReq {
		m.pauseReq = false
		m.setState(types.MachinePaused, "pause requested")
		return
	}
	if m.checkBreakpoints() {
		return
	}
	if m.checkQuiescent() {
		return
	}

	for _, p := range m.cores {
		m.tickCore(p)
		if m.state != types.MachineRunning {
			break
		}
	}
	m.cycle++
	for _, t := range m.Threads() {
		if t.State == types.ThreadBlocked {
			t.WaitTicks++
		}
	}
}

// checkBreakpoints pauses when any runnable thread sits on a breakpoint.
func (m *VM) checkBreakpoints() bool {
	if len(m.breakpoints) == 0 {
		return false
	}
	for _, t := range m.Threads() {
		if t.State != types.ThreadReady && t.State != types.ThreadRunning {
			continue
		}
		if t.PC < m.codeSeg.Base {
			continue
		}
		idx := (t.PC - m.codeSeg.Base) / types.InstrWidth
		if m.breakpoints[idx] {
			m.setState(types.MachinePaused, fmt.Sprintf("breakpoint @%d thread %d", idx, t.ID))
			return true
		}
	}
	return false
}

// checkQuiescent detects completion and deadlock: no runnable thread means
// either every thread terminated (FINISHED) or the blocked ones can never
// wake (FAULTED with DeadlockDetected).
func (m *VM) checkQuiescent() bool {
	anyRunnable := false
	anyBlocked := false
	for _, t := range m.threads {
		switch t.State {
		case types.ThreadReady, types.ThreadRunning:
			anyRunnable = true
		case types.ThreadBlocked:
			anyBlocked = true
		}
	}
	for _, p := range m.cores {
		if p.stall > 0 && p.current != nil {
			anyRunnable = true
		}
	}
	if anyRunnable {
		return false
	}
	if !anyBlocked {
		m.setState(types.MachineFinished, "all threads terminated")
		return true
	}

	detail := "all remaining threads blocked"
	if m.deadlock != nil {
		if cycle, rendition, found := m.deadlock.DetectDeadlock(); found {
			detail = fmt.Sprintf("wait-for cycle %v\n%s", cycle, rendition)
		}
	}
	m.fatalFault(&uvmerrors.Fault{
		Err: uvmerrors.ErrDeadlockDetected, Cycle: m.cycle, Detail: detail,
	})
	return true
}

// faultThread records a fault against a thread, notifies extensions, and
// terminates the thread; VM-fatal faults take the whole machine down.
func (m *VM) faultThread(p *Processor, t *Thread, err error) {
	ev := m.newEvent(trFault, t)
	ev.PC = t.PC
	ev.Detail = err.Error()
	m.appendEvent(ev)
	log.Warn(log.CoreMonitoring, "fault", "thread", t.ID, "pc", t.PC, "err", err)

	for _, ext := range m.extensions {
		ext.OnFault(m, t, err)
	}

	if uvmerrors.IsVMFatal(err) {
		m.terminateThread(t, err)
		m.fatalFault(err)
		return
	}
	m.terminateThread(t, err)
	if p != nil && p.current == t {
		m.contextSwitch(p, t, nil)
	}
}

// terminateThread moves a thread to TERMINATED and lets the sync handler
// release anything it owns (flagged abnormal when err != nil).
func (m *VM) terminateThread(t *Thread, err error) {
	if t.State == types.ThreadTerminated {
		return
	}
	t.State = types.ThreadTerminated
	t.AbnormalExit = err != nil
	if m.sync != nil {
		m.sync.OnThreadExit(m, t)
	}
	ev := m.newEvent(trThread, t)
	if err != nil {
		ev.Detail = "terminated (fault)"
	} else {
		ev.Detail = "terminated"
	}
	m.appendEvent(ev)
}

func (m *VM) fatalFault(err error) {
	m.fatal = err
	m.setState(types.MachineFaulted, err.Error())
}

// readyThreads returns READY threads sorted by id, the scheduler's input.
func (m *VM) readyThreads() []*Thread {
	var out []*Thread
	for _, id := range m.threadOrder {
		t := m.threads[id]
		if t.State == types.ThreadReady {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// recordDelta attaches one memory change to the in-flight instruction's
// trace record.
func (m *VM) recordDelta(addr uint64, v uint64) {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	m.pendingDeltas = append(m.pendingDeltas, trace.MemoryDelta{Addr: addr, Bytes: b})
}

func (m *VM) newEvent(kind trace.EventKind, t *Thread) trace.Event {
	ev := trace.Event{Cycle: m.cycle, Kind: kind}
	if t != nil {
		ev.ThreadID = t.ID
	}
	return ev
}

func (m *VM) appendEvent(ev trace.Event) { m.trace.Append(ev) }

// AppendEvent lets extensions write to the shared forensic log.
func (m *VM) AppendEvent(ev trace.Event) {
	ev.Cycle = m.cycle
	m.trace.Append(ev)
}

// RaceReport aggregates advisory findings from registered race reporters.
func (m *VM) RaceReport() types.RaceReport {
	var out types.RaceReport
	for _, r := range m.raceReporters {
		rep := r.RaceFindings()
		out.Findings = append(out.Findings, rep.Findings...)
		out.Checked += rep.Checked
	}
	return out
}

// SecurityReport aggregates findings from registered security reporters.
func (m *VM) SecurityReport() types.SecurityReport {
	var out types.SecurityReport
	for _, r := range m.secReporters {
		out.Findings = append(out.Findings, r.SecurityFindings()...)
	}
	return out
}

// WakeThread marks a blocked thread READY; used by synchronization
// primitives on unblock.
func (m *VM) WakeThread(t *Thread) {
	if t.State == types.ThreadBlocked {
		t.State = types.ThreadReady
		t.BlockedOn = -1
	}
}

// ExitThread terminates a thread cleanly; used by the exit syscall.
func (m *VM) ExitThread(t *Thread) {
	m.terminateThread(t, nil)
}

// EmitOutput appends v to the machine's output channel with a trace
// record attributed to t.
func (m *VM) EmitOutput(t *Thread, v uint64) {
	m.outputs = append(m.outputs, v)
	ev := m.newEvent(trOutput, t)
	ev.Detail = fmt.Sprintf("out %d", v)
	m.appendEvent(ev)
}

// IsFault reports whether err wraps any fault sentinel.
func IsFault(err error) bool {
	var f *uvmerrors.Fault
	return errors.As(err, &f)
}

// fifoScheduler is the fallback policy when no scheduler extension is
// configured: cooperative, runs the lowest-id ready thread until it
// blocks or terminates.
type fifoScheduler struct{}

func (fifoScheduler) Name() string { return "fifo" }

func (fifoScheduler) Quantum() uint32 { return 0 }

func (fifoScheduler) Pick(core int, current *Thread, ready []*Thread, _ bool, _ *rand.Rand) *Thread {
	if current != nil {
		return current
	}
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}
