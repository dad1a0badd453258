package parallel

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// vclock is a per-thread vector clock, indexed by thread id.
type vclock []uint64

func (c vclock) get(tid uint32) uint64 {
	if int(tid) < len(c) {
		return c[tid]
	}
	return 0
}

func (c *vclock) set(tid uint32, v uint64) {
	for int(tid) >= len(*c) {
		*c = append(*c, 0)
	}
	(*c)[tid] = v
}

func (c *vclock) join(other vclock) {
	for tid, v := range other {
		if v > c.get(uint32(tid)) {
			c.set(uint32(tid), v)
		}
	}
}

// epoch is one component of a clock: the access happened at the given
// tick of the given thread's clock.
type epoch struct {
	tid  uint32
	tick uint64
}

// happensBefore reports whether the recorded epoch is ordered before
// the observing thread's current clock.
func (e epoch) happensBefore(c vclock) bool {
	return e.tick <= c.get(e.tid)
}

type accessRecord struct {
	epoch
	cycle uint64
	kind  types.AccessKind
}

// RaceDetector finds unsynchronized conflicting accesses to shared
// data. Happens-before edges come from the SyncManager: release and
// acquire of the same object order the two threads, a barrier orders
// every participant. Findings are advisory and never stop execution.
type RaceDetector struct {
	vm.NopExtension

	mgr     *SyncManager
	nextIdx int

	threadClocks map[uint32]*vclock
	objectClocks map[uint64]*vclock

	// lastWrite and reads track the most recent conflicting accesses
	// per address.
	lastWrite map[uint64]accessRecord
	reads     map[uint64][]accessRecord

	checked  uint64
	findings []types.RaceFinding
	seen     map[string]bool
}

// NewRaceDetector attaches a detector to the manager whose objects
// carry the happens-before edges.
func NewRaceDetector(mgr *SyncManager) *RaceDetector {
	rd := &RaceDetector{
		mgr:          mgr,
		threadClocks: make(map[uint32]*vclock),
		objectClocks: make(map[uint64]*vclock),
		lastWrite:    make(map[uint64]accessRecord),
		reads:        make(map[uint64][]accessRecord),
		seen:         make(map[string]bool),
	}
	mgr.setObserver(rd)
	return rd
}

func (rd *RaceDetector) Name() string { return "race-detector" }

func (rd *RaceDetector) clock(tid uint32) *vclock {
	c, ok := rd.threadClocks[tid]
	if !ok {
		c = &vclock{}
		c.set(tid, 1)
		rd.threadClocks[tid] = c
	}
	return c
}

func (rd *RaceDetector) objClock(id uint64) *vclock {
	c, ok := rd.objectClocks[id]
	if !ok {
		c = &vclock{}
		rd.objectClocks[id] = c
	}
	return c
}

// OnAcquire merges the object's clock into the acquiring thread.
func (rd *RaceDetector) OnAcquire(tid uint32, obj uint64) {
	rd.clock(tid).join(*rd.objClock(obj))
}

// OnRelease publishes the releasing thread's clock on the object and
// advances the thread into a new epoch.
func (rd *RaceDetector) OnRelease(tid uint32, obj uint64) {
	c := rd.clock(tid)
	rd.objClock(obj).join(*c)
	c.set(tid, c.get(tid)+1)
}

// OnBarrier joins every participant's clock and redistributes the
// result, so accesses before the barrier order before accesses after.
func (rd *RaceDetector) OnBarrier(obj uint64, parties []uint32) {
	merged := rd.objClock(obj)
	for _, tid := range parties {
		merged.join(*rd.clock(tid))
	}
	for _, tid := range parties {
		c := rd.clock(tid)
		c.join(*merged)
		c.set(tid, c.get(tid)+1)
	}
}

// PostExecute drains the memory access log and checks each data access
// against the last conflicting accesses to the same address.
func (rd *RaceDetector) PostExecute(m *vm.VM, t *vm.Thread, in types.Instruction) {
	events, next := m.Memory().EventsSince(rd.nextIdx)
	rd.nextIdx = next
	for _, ev := range events {
		if ev.Kind == types.AccessExec {
			continue
		}
		rd.checkAccess(m, ev)
	}
}

func (rd *RaceDetector) checkAccess(m *vm.VM, ev types.AccessEvent) {
	rd.checked++
	c := rd.clock(ev.ThreadID)
	rec := accessRecord{
		epoch: epoch{tid: ev.ThreadID, tick: c.get(ev.ThreadID)},
		cycle: ev.Cycle,
		kind:  ev.Kind,
	}
	write := ev.Kind == types.AccessWrite || ev.Kind == types.AccessRMW

	if prev, ok := rd.lastWrite[ev.Addr]; ok && prev.tid != ev.ThreadID && !prev.happensBefore(*c) {
		rd.report(m, ev, prev)
	}
	if write {
		for _, r := range rd.reads[ev.Addr] {
			if r.tid != ev.ThreadID && !r.happensBefore(*c) {
				rd.report(m, ev, r)
			}
		}
		rd.lastWrite[ev.Addr] = rec
		delete(rd.reads, ev.Addr)
		return
	}
	rd.reads[ev.Addr] = append(rd.reads[ev.Addr], rec)
}

func (rd *RaceDetector) report(m *vm.VM, ev types.AccessEvent, prev accessRecord) {
	a, b := prev.tid, ev.ThreadID
	if a > b {
		a, b = b, a
	}
	key := fmt.Sprintf("%#x/%d/%d", ev.Addr, a, b)
	if rd.seen[key] {
		return
	}
	rd.seen[key] = true

	f := types.RaceFinding{
		Addr:    ev.Addr,
		Threads: []uint32{a, b},
		Kinds:   []string{prev.kind.String(), ev.Kind.String()},
		Cycle:   ev.Cycle,
		Detail: fmt.Sprintf("thread %d %s at cycle %d races with thread %d %s at cycle %d on %#x",
			prev.tid, prev.kind, prev.cycle, ev.ThreadID, ev.Kind, ev.Cycle, ev.Addr),
	}
	rd.findings = append(rd.findings, f)

	// Advisory: the trace entry carries the fault taxonomy code, but the
	// threads keep running.
	ferr := &uvmerrors.Fault{
		Err: uvmerrors.ErrRaceCondition, ThreadID: ev.ThreadID,
		Addr: ev.Addr, Cycle: ev.Cycle, Detail: f.Detail,
	}
	m.AppendEvent(trace.Event{Kind: trace.KindRace, ThreadID: ev.ThreadID, Detail: ferr.Error()})
	log.Warn(log.RaceMonitoring, "data race", "addr", fmt.Sprintf("%#x", ev.Addr),
		"threads", fmt.Sprintf("%d,%d", a, b))
}

// RaceFindings implements vm.RaceReporter. Findings come back sorted
// by address then thread pair so reports are stable.
func (rd *RaceDetector) RaceFindings() types.RaceReport {
	out := append([]types.RaceFinding(nil), rd.findings...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Cycle < out[j].Cycle
	})
	return types.RaceReport{Findings: out, Checked: rd.checked}
}
