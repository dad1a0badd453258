package vm

import (
	"fmt"

	"github.com/colorfulnotion/uvm/types"
)

// Thread is one execution context: register file, program counter,
// privilege level, and scheduling state. Register state lives on the
// thread itself, so a context switch is a pointer swap at a tick boundary
// and never observes a half-switched register file.
type Thread struct {
	ID       uint32
	Name     string
	Regs     [types.NumRegs]uint64
	PC       uint64
	Priv     types.Privilege
	State    types.ThreadState
	Priority int

	// Entry is the instruction index the thread starts at; the absolute PC
	// is resolved when the address space is laid out.
	Entry uint64

	// Remaining is the burst estimate consumed by shortest-remaining-burst
	// scheduling; decremented per retired instruction.
	Remaining uint64

	// Scheduling and accounting counters.
	Executed   uint64 // instructions retired
	Switches   uint64 // times scheduled onto a core
	WaitTicks  uint64 // ticks spent BLOCKED
	StallTicks uint64 // ticks spent stalled on instruction latency
	LastRun    uint64 // cycle the thread was last scheduled

	// BlockedOn is the synchronization object id the thread waits on,
	// -1 when not blocked.
	BlockedOn int64

	// AbnormalExit marks termination by fault rather than HALT.
	AbnormalExit bool
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%s) pc=%#x state=%s priv=%s", t.ID, t.Name, t.PC, t.State, t.Priv)
}

// SP returns the stack pointer register.
func (t *Thread) SP() uint64 { return t.Regs[types.SPReg] }

// SetSP sets the stack pointer register.
func (t *Thread) SetSP(v uint64) { t.Regs[types.SPReg] = v }

// Snapshot returns a copy of the register file for trace records.
func (t *Thread) Snapshot() [types.NumRegs]uint64 { return t.Regs }
