package vm

import (
	"fmt"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
)

// Processor is one simulated core. Threads are oversubscribed onto cores;
// the scheduler multiplexes them with explicit context switches.
type Processor struct {
	ID int

	current *Thread

	// stall is the number of ticks the in-flight instruction still
	// occupies the core (latency model plus coherence penalties).
	stall uint32

	// quantumUsed counts ticks granted to the current thread since the
	// last context switch.
	quantumUsed uint32
}

// Current returns the thread bound to the core, nil when idle.
func (p *Processor) Current() *Thread { return p.current }

// tickCore advances one core by one tick: schedule, then fetch, decode and
// execute at most one instruction.
func (m *VM) tickCore(p *Processor) {
	if p.stall > 0 {
		p.stall--
		p.quantumUsed++
		if p.current != nil {
			p.current.StallTicks++
		}
		return
	}

	m.schedule(p)

	t := p.current
	if t == nil {
		return
	}
	m.stepInstruction(p, t)
}

// schedule consults the scheduler and performs a context switch when it
// picks a different thread.
func (m *VM) schedule(p *Processor) {
	cur := p.current
	if cur != nil && cur.State != types.ThreadRunning {
		// Thread blocked or terminated under us; the core is free.
		m.contextSwitch(p, cur, nil)
		cur = nil
	}

	q := m.sched.Quantum()
	expired := q > 0 && p.quantumUsed >= q
	ready := m.readyThreads()
	if cur == nil && len(ready) == 0 {
		return
	}

	next := m.sched.Pick(p.ID, cur, ready, expired, m.rng)
	if next == cur {
		if expired {
			p.quantumUsed = 0
		}
		return
	}
	m.contextSwitch(p, cur, next)
}

func (m *VM) contextSwitch(p *Processor, prev, next *Thread) {
	if prev != nil && prev.State == types.ThreadRunning {
		prev.State = types.ThreadReady
	}
	p.current = next
	p.quantumUsed = 0
	if next != nil {
		next.State = types.ThreadRunning
		next.Switches++
		next.LastRun = m.cycle
	}
	for _, ext := range m.extensions {
		ext.OnContextSwitch(m, p.ID, prev, next)
	}
	ev := m.newEvent(trContextSwitch, next)
	if prev != nil {
		ev.Detail = fmt.Sprintf("core %d: %d -> %s", p.ID, prev.ID, threadLabel(next))
	} else {
		ev.Detail = fmt.Sprintf("core %d: idle -> %s", p.ID, threadLabel(next))
	}
	m.appendEvent(ev)
	log.Debug(log.SchedulerMonitoring, "context switch", "core", p.ID,
		"prev", threadLabel(prev), "next", threadLabel(next), "cycle", m.cycle)
}

func threadLabel(t *Thread) string {
	if t == nil {
		return "idle"
	}
	return fmt.Sprintf("%d", t.ID)
}

// stepInstruction runs the fetch-decode-execute cycle for one instruction
// of thread t, invoking extension hooks around the execute phase.
func (m *VM) stepInstruction(p *Processor, t *Thread) {
	pc0 := t.PC

	raw, err := m.mem.Fetch(m.cycle, t.ID, pc0)
	if err != nil {
		m.faultThread(p, t, err)
		return
	}
	in, ok := m.decoded[pc0]
	if !ok {
		// Memory is the source of truth: code written at runtime decodes
		// straight from the fetched bytes.
		in = types.DecodeInstruction(raw)
	}
	if in.Op.Class() == types.ClassInvalid {
		m.faultThread(p, t, &uvmerrors.Fault{
			Err: uvmerrors.ErrInvalidInstruction, ThreadID: t.ID, PC: pc0, Cycle: m.cycle,
			Detail: fmt.Sprintf("opcode %#x at fetch address", uint8(in.Op)),
		})
		return
	}

	// The PC is advanced before execution; branch handlers overwrite it,
	// and for CALL the advanced value is exactly the return address.
	t.PC = pc0 + types.InstrWidth

	for _, ext := range m.extensions {
		if err := ext.PreExecute(m, t, in); err != nil {
			t.PC = pc0
			m.faultThread(p, t, err)
			return
		}
	}

	if in.Op.Privileged() && t.Priv != types.PrivKernel {
		t.PC = pc0
		m.faultThread(p, t, &uvmerrors.Fault{
			Err: uvmerrors.ErrPrivilegeFault, ThreadID: t.ID, PC: pc0, Cycle: m.cycle,
			Detail: fmt.Sprintf("%s requires KERNEL", in.Op),
		})
		return
	}

	m.pendingDeltas = nil

	if in.Op.Class() == types.ClassSync {
		if m.sync == nil {
			t.PC = pc0
			m.faultThread(p, t, &uvmerrors.Fault{
				Err: uvmerrors.ErrInvalidInstruction, ThreadID: t.ID, PC: pc0, Cycle: m.cycle,
				Detail: "no synchronization extension registered",
			})
			return
		}
		blocked, err := m.sync.ExecSync(m, t, in)
		if err != nil {
			t.PC = pc0
			m.faultThread(p, t, err)
			return
		}
		if blocked {
			// Retry the instruction when the thread wakes.
			t.PC = pc0
			t.State = types.ThreadBlocked
			m.contextSwitch(p, t, nil)
			return
		}
	} else {
		h := dispatchTable[in.Op]
		if h == nil {
			t.PC = pc0
			m.faultThread(p, t, &uvmerrors.Fault{
				Err: uvmerrors.ErrInvalidInstruction, ThreadID: t.ID, PC: pc0, Cycle: m.cycle,
				Detail: fmt.Sprintf("opcode %#x", uint8(in.Op)),
			})
			return
		}
		if err := h(m, t, in); err != nil {
			t.PC = pc0
			m.faultThread(p, t, err)
			return
		}
	}

	t.Executed++
	if t.Remaining > 0 {
		t.Remaining--
	}
	p.quantumUsed++
	if c := in.CycleCost(); c > 1 {
		p.stall = c - 1
	}

	ev := m.newEvent(trInstruction, t)
	ev.PC = pc0
	ev.Opcode = in.Op.String()
	regs := t.Snapshot()
	ev.Registers = &regs
	ev.Deltas = m.pendingDeltas
	m.pendingDeltas = nil
	m.appendEvent(ev)

	for _, ext := range m.extensions {
		ext.PostExecute(m, t, in)
	}

	log.Trace(log.CoreMonitoring, "executed", "core", p.ID, "thread", t.ID,
		"pc", pc0, "op", in.Op.String(), "cycle", m.cycle)
}
