package parallel

import (
	"fmt"
	"sort"

	"github.com/xlab/treeprint"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// ObjectKind discriminates synchronization objects.
type ObjectKind uint8

const (
	KindMutex ObjectKind = iota
	KindSemaphore
	KindBarrier
)

func (k ObjectKind) String() string {
	switch k {
	case KindMutex:
		return "mutex"
	case KindSemaphore:
		return "semaphore"
	case KindBarrier:
		return "barrier"
	}
	return "unknown"
}

// syncObject is one mutex, semaphore, or barrier. Waiters queue FIFO;
// a release hands the object to the queue head, which consumes the
// grant when it retries the blocked instruction.
type syncObject struct {
	id   uint64
	kind ObjectKind

	owner   int64 // mutex holder thread id, -1 when free
	count   int64 // semaphore value
	parties int   // barrier size

	generation uint64 // barrier trip count
	waitQ      []uint32
	grants     map[uint32]bool   // woken waiters that have not retried yet
	blockedGen map[uint32]uint64 // barrier generation each waiter arrived in
	holders    map[uint32]int    // semaphore holders, for the wait-for graph

	acquires  uint64
	contended uint64
}

// raceObserver receives happens-before edges as they form. Implemented
// by the race detector; nil when no detector is attached.
type raceObserver interface {
	OnAcquire(tid uint32, obj uint64)
	OnRelease(tid uint32, obj uint64)
	OnBarrier(obj uint64, parties []uint32)
}

// SyncManager executes SYNC-class instructions and tracks the wait-for
// graph for deadlock detection. It is the one extension the core binds
// as its SyncHandler.
type SyncManager struct {
	vm.NopExtension

	objects map[uint64]*syncObject
	order   []uint64

	// held maps thread id to the set of mutex/semaphore ids it holds;
	// the race detector reads this as the thread's lockset.
	held map[uint32]map[uint64]bool

	observer raceObserver
}

func NewSyncManager() *SyncManager {
	return &SyncManager{
		objects: make(map[uint64]*syncObject),
		held:    make(map[uint32]map[uint64]bool),
	}
}

func (sm *SyncManager) Name() string { return "sync-manager" }

func (sm *SyncManager) setObserver(o raceObserver) { sm.observer = o }

func (sm *SyncManager) object(id uint64) (*syncObject, bool) {
	o, ok := sm.objects[id]
	return o, ok
}

func (sm *SyncManager) create(id uint64, kind ObjectKind) *syncObject {
	o := &syncObject{
		id: id, kind: kind, owner: -1,
		grants:     make(map[uint32]bool),
		blockedGen: make(map[uint32]uint64),
		holders:    make(map[uint32]int),
	}
	sm.objects[id] = o
	sm.order = append(sm.order, id)
	return o
}

// CreateMutex registers a mutex under id. LOCKACQ also creates mutexes
// on first use, so calling this is optional for mutexes.
func (sm *SyncManager) CreateMutex(id uint64) { sm.create(id, KindMutex) }

// CreateSemaphore registers a counting semaphore with the given initial
// value.
func (sm *SyncManager) CreateSemaphore(id uint64, initial int64) {
	o := sm.create(id, KindSemaphore)
	o.count = initial
}

// CreateBarrier registers a barrier that releases all waiters once
// parties threads arrive.
func (sm *SyncManager) CreateBarrier(id uint64, parties int) {
	o := sm.create(id, KindBarrier)
	o.parties = parties
}

// HeldBy returns the sorted mutex/semaphore ids thread tid holds.
func (sm *SyncManager) HeldBy(tid uint32) []uint64 {
	set := sm.held[tid]
	if len(set) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (sm *SyncManager) hold(tid uint32, id uint64) {
	set := sm.held[tid]
	if set == nil {
		set = make(map[uint64]bool)
		sm.held[tid] = set
	}
	set[id] = true
}

func (sm *SyncManager) unhold(tid uint32, id uint64) {
	delete(sm.held[tid], id)
}

// ExecSync implements vm.SyncHandler.
func (sm *SyncManager) ExecSync(m *vm.VM, t *vm.Thread, in types.Instruction) (bool, error) {
	switch in.Op {
	case types.LOCKACQ:
		return sm.lockAcquire(m, t, in.Imm)
	case types.LOCKREL:
		return false, sm.lockRelease(m, t, in.Imm, false)
	case types.SEMWAIT:
		return sm.semWait(m, t, in.Imm)
	case types.SEMPOST:
		return false, sm.semPost(m, t, in.Imm)
	case types.BARWAIT:
		return sm.barrierWait(m, t, in.Imm)
	}
	return false, sm.badObject(m, t, in.Imm, "unhandled sync opcode")
}

func (sm *SyncManager) badObject(m *vm.VM, t *vm.Thread, id uint64, why string) error {
	return &uvmerrors.Fault{
		Err: uvmerrors.ErrInvalidInstruction, ThreadID: t.ID, PC: t.PC,
		Cycle: m.Cycle(), Detail: fmt.Sprintf("sync object %d: %s", id, why),
	}
}

func (sm *SyncManager) block(m *vm.VM, t *vm.Thread, o *syncObject) bool {
	o.waitQ = append(o.waitQ, t.ID)
	o.contended++
	t.BlockedOn = int64(o.id)
	sm.event(m, t.ID, fmt.Sprintf("%s %d: thread %d blocked (%d waiting)", o.kind, o.id, t.ID, len(o.waitQ)))
	log.Debug(log.SyncMonitoring, "thread blocked", "thread", t.ID, "object", o.id, "kind", o.kind.String())
	return true
}

func (sm *SyncManager) lockAcquire(m *vm.VM, t *vm.Thread, id uint64) (bool, error) {
	o, ok := sm.object(id)
	if !ok {
		o = sm.create(id, KindMutex)
	}
	if o.kind != KindMutex {
		return false, sm.badObject(m, t, id, "LOCKACQ on a "+o.kind.String())
	}
	if o.grants[t.ID] {
		// Ownership was handed over while we were blocked.
		delete(o.grants, t.ID)
		sm.acquired(m, t, o)
		return false, nil
	}
	if o.owner == -1 {
		o.owner = int64(t.ID)
		sm.acquired(m, t, o)
		return false, nil
	}
	// Contended, including non-reentrant self-acquire: the owner joins
	// its own wait queue and can only deadlock.
	return sm.block(m, t, o), nil
}

func (sm *SyncManager) acquired(m *vm.VM, t *vm.Thread, o *syncObject) {
	o.acquires++
	sm.hold(t.ID, o.id)
	if sm.observer != nil {
		sm.observer.OnAcquire(t.ID, o.id)
	}
	sm.event(m, t.ID, fmt.Sprintf("%s %d: acquired by thread %d", o.kind, o.id, t.ID))
}

func (sm *SyncManager) lockRelease(m *vm.VM, t *vm.Thread, id uint64, abnormal bool) error {
	o, ok := sm.object(id)
	if !ok || o.kind != KindMutex {
		return sm.badObject(m, t, id, "LOCKREL on unknown mutex")
	}
	if o.owner != int64(t.ID) {
		return &uvmerrors.Fault{
			Err: uvmerrors.ErrOwnershipViolation, ThreadID: t.ID, PC: t.PC,
			Cycle: m.Cycle(), Detail: fmt.Sprintf("mutex %d owned by thread %d", id, o.owner),
		}
	}
	sm.unhold(t.ID, id)
	if sm.observer != nil {
		sm.observer.OnRelease(t.ID, id)
	}
	suffix := ""
	if abnormal {
		suffix = " (abnormal)"
	}
	sm.event(m, t.ID, fmt.Sprintf("mutex %d: released by thread %d%s", id, t.ID, suffix))
	sm.handoff(m, o)
	return nil
}

// handoff transfers a free mutex to the head of its wait queue. Dead
// waiters are skipped; the grant is consumed when the waiter retries.
func (sm *SyncManager) handoff(m *vm.VM, o *syncObject) {
	for len(o.waitQ) > 0 {
		head := o.waitQ[0]
		o.waitQ = o.waitQ[1:]
		w, ok := m.Thread(head)
		if !ok || w.State == types.ThreadTerminated {
			continue
		}
		o.owner = int64(head)
		o.grants[head] = true
		m.WakeThread(w)
		sm.event(m, head, fmt.Sprintf("mutex %d: handed to thread %d", o.id, head))
		return
	}
	o.owner = -1
}

func (sm *SyncManager) semWait(m *vm.VM, t *vm.Thread, id uint64) (bool, error) {
	o, ok := sm.object(id)
	if !ok || o.kind != KindSemaphore {
		return false, sm.badObject(m, t, id, "SEMWAIT on unknown semaphore")
	}
	if o.grants[t.ID] {
		delete(o.grants, t.ID)
		o.holders[t.ID]++
		sm.acquired(m, t, o)
		return false, nil
	}
	if o.count > 0 {
		o.count--
		o.holders[t.ID]++
		sm.acquired(m, t, o)
		return false, nil
	}
	return sm.block(m, t, o), nil
}

func (sm *SyncManager) semPost(m *vm.VM, t *vm.Thread, id uint64) error {
	o, ok := sm.object(id)
	if !ok || o.kind != KindSemaphore {
		return sm.badObject(m, t, id, "SEMPOST on unknown semaphore")
	}
	if o.holders[t.ID] > 0 {
		o.holders[t.ID]--
		if o.holders[t.ID] == 0 {
			delete(o.holders, t.ID)
			sm.unhold(t.ID, id)
		}
	}
	if sm.observer != nil {
		sm.observer.OnRelease(t.ID, id)
	}
	sm.event(m, t.ID, fmt.Sprintf("semaphore %d: posted by thread %d", id, t.ID))

	// Direct handoff: a queued waiter gets the permit without the count
	// ever going positive, so late arrivals cannot steal it.
	for len(o.waitQ) > 0 {
		head := o.waitQ[0]
		o.waitQ = o.waitQ[1:]
		w, ok := m.Thread(head)
		if !ok || w.State == types.ThreadTerminated {
			continue
		}
		o.grants[head] = true
		m.WakeThread(w)
		sm.event(m, head, fmt.Sprintf("semaphore %d: permit handed to thread %d", id, head))
		return nil
	}
	o.count++
	return nil
}

func (sm *SyncManager) barrierWait(m *vm.VM, t *vm.Thread, id uint64) (bool, error) {
	o, ok := sm.object(id)
	if !ok || o.kind != KindBarrier {
		return false, sm.badObject(m, t, id, "BARWAIT on unknown barrier")
	}
	if gen, waited := o.blockedGen[t.ID]; waited {
		if gen < o.generation {
			// The barrier tripped while we were blocked; pass through.
			delete(o.blockedGen, t.ID)
			return false, nil
		}
	}
	arrived := len(o.waitQ) + 1
	if arrived >= o.parties {
		// Last arrival trips the barrier: every waiter wakes this tick.
		parties := append(append([]uint32(nil), o.waitQ...), t.ID)
		if sm.observer != nil {
			sm.observer.OnBarrier(id, parties)
		}
		for _, tid := range o.waitQ {
			if w, ok := m.Thread(tid); ok {
				m.WakeThread(w)
			}
		}
		o.waitQ = nil
		o.generation++
		sm.event(m, t.ID, fmt.Sprintf("barrier %d: generation %d released (%d threads)", id, o.generation, len(parties)))
		log.Debug(log.SyncMonitoring, "barrier released", "object", id, "generation", o.generation, "parties", len(parties))
		return false, nil
	}
	o.blockedGen[t.ID] = o.generation
	return sm.block(m, t, o), nil
}

// OnThreadExit implements vm.SyncHandler: a dying thread is pulled out
// of every wait queue and anything it holds is released abnormally.
func (sm *SyncManager) OnThreadExit(m *vm.VM, t *vm.Thread) {
	for _, id := range sm.order {
		o := sm.objects[id]
		for i, tid := range o.waitQ {
			if tid == t.ID {
				o.waitQ = append(o.waitQ[:i], o.waitQ[i+1:]...)
				break
			}
		}
		delete(o.blockedGen, t.ID)

		if o.grants[t.ID] {
			// Died between wake and retry: pass the grant along.
			delete(o.grants, t.ID)
			switch o.kind {
			case KindMutex:
				sm.handoff(m, o)
			case KindSemaphore:
				o.count++
			}
		}
	}
	for _, id := range sm.HeldBy(t.ID) {
		o := sm.objects[id]
		switch o.kind {
		case KindMutex:
			if o.owner == int64(t.ID) {
				if err := sm.lockRelease(m, t, id, true); err != nil {
					log.Warn(log.SyncMonitoring, "abnormal release failed", "thread", t.ID, "object", id, "err", err)
				}
			}
		case KindSemaphore:
			delete(o.holders, t.ID)
			sm.unhold(t.ID, id)
			if err := sm.semPost(m, t, id); err != nil {
				log.Warn(log.SyncMonitoring, "abnormal post failed", "thread", t.ID, "object", id, "err", err)
			}
		}
	}
	delete(sm.held, t.ID)
}

// DetectDeadlock implements vm.DeadlockDetector: it walks the wait-for
// graph (blocked thread -> object -> holder) looking for a cycle.
func (sm *SyncManager) DetectDeadlock() ([]uint32, string, bool) {
	waits, edges := sm.waitForEdges()
	tids := make([]uint32, 0, len(edges))
	for tid := range edges {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	for _, start := range tids {
		seen := map[uint32]int{}
		path := []uint32{}
		cur, onPath := start, true
		for onPath {
			if pos, visited := seen[cur]; visited {
				cycle := append([]uint32(nil), path[pos:]...)
				return cycle, sm.renderCycle(cycle, waits), true
			}
			seen[cur] = len(path)
			path = append(path, cur)
			cur, onPath = edges[cur]
		}
	}
	return nil, "", false
}

// waitForEdges builds thread -> blocking object and thread -> holder
// maps. Semaphores contribute an edge to their lowest-id holder.
func (sm *SyncManager) waitForEdges() (map[uint32]uint64, map[uint32]uint32) {
	waits := make(map[uint32]uint64)
	edges := make(map[uint32]uint32)
	for _, id := range sm.order {
		o := sm.objects[id]
		for _, tid := range o.waitQ {
			waits[tid] = id
			switch o.kind {
			case KindMutex:
				if o.owner >= 0 {
					edges[tid] = uint32(o.owner)
				}
			case KindSemaphore:
				holders := make([]uint32, 0, len(o.holders))
				for h := range o.holders {
					holders = append(holders, h)
				}
				if len(holders) > 0 {
					sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
					edges[tid] = holders[0]
				}
			}
		}
	}
	return waits, edges
}

// renderCycle draws the wait-for cycle as a tree for the fault detail.
func (sm *SyncManager) renderCycle(cycle []uint32, waits map[uint32]uint64) string {
	tree := treeprint.NewWithRoot("wait-for cycle")
	branch := tree
	for _, tid := range cycle {
		obj := sm.objects[waits[tid]]
		branch = branch.AddBranch(fmt.Sprintf("thread %d waits on %s %d (owner thread %d)",
			tid, obj.kind, obj.id, obj.owner))
	}
	branch.AddNode(fmt.Sprintf("back to thread %d", cycle[0]))
	return tree.String()
}

func (sm *SyncManager) event(m *vm.VM, tid uint32, detail string) {
	m.AppendEvent(trace.Event{Kind: trace.KindSync, ThreadID: tid, Detail: detail})
}

// ObjectStats reports per-object acquire and contention counters for
// the performance collector.
func (sm *SyncManager) ObjectStats() map[string]uint64 {
	out := make(map[string]uint64, len(sm.order)*2)
	for _, id := range sm.order {
		o := sm.objects[id]
		out[fmt.Sprintf("%s_%d_acquires", o.kind, id)] = o.acquires
		out[fmt.Sprintf("%s_%d_contended", o.kind, id)] = o.contended
	}
	return out
}

// Counters implements the performance collector's counter source.
func (sm *SyncManager) Counters() map[string]uint64 { return sm.ObjectStats() }
