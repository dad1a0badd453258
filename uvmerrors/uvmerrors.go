package uvmerrors

import (
	"errors"
	"fmt"
)

// Fault taxonomy. Codes follow the convention <class><n>|<Name>: <description>.
var (
	// Memory (M) faults
	ErrSegmentationFault = errors.New("M1|SegmentationFault: Address out of range or segment permission violation.")
	ErrDEPViolation      = errors.New("M2|DEPViolation: Instruction fetch from a non-executable page.")
	ErrUnmappedAddress   = errors.New("M3|UnmappedAddress: Access to an address outside every segment.")

	// Privilege (P) faults
	ErrPrivilegeFault = errors.New("P1|PrivilegeFault: Insufficient privilege for opcode or region.")
	ErrBadSyscall     = errors.New("P2|BadSyscall: Syscall number not registered with the gate.")

	// Control-flow (C) faults
	ErrStackCorruptionFault = errors.New("C1|StackCorruptionFault: Stack canary mismatch on function return.")
	ErrControlFlowViolation = errors.New("C2|ControlFlowViolation: Return target disagrees with the shadow stack.")

	// Synchronization (S) faults
	ErrDeadlockDetected   = errors.New("S1|DeadlockDetected: Cycle in the wait-for graph with no runnable thread.")
	ErrOwnershipViolation = errors.New("S2|OwnershipViolation: Mutex released by a thread that does not own it.")
	ErrRaceCondition      = errors.New("S3|RaceConditionDetected: Unsynchronized conflicting accesses to the same address.")

	// Machine (V) faults
	ErrResourceExhausted  = errors.New("V1|ResourceExhausted: Cycle or memory budget exceeded.")
	ErrInvalidInstruction = errors.New("V2|InvalidInstruction: Unknown opcode or malformed operands.")
	ErrMachineState       = errors.New("V3|MachineState: Operation not valid in the current machine state.")
	ErrNoProgram          = errors.New("V4|NoProgram: No program has been loaded.")
)

// Fault attaches execution context to one of the sentinel errors above.
// It unwraps to the sentinel so callers can use errors.Is.
type Fault struct {
	Err      error
	ThreadID uint32
	PC       uint64
	Addr     uint64
	Cycle    uint64
	Detail   string
}

func (f *Fault) Error() string {
	s := fmt.Sprintf("%v [thread=%d pc=%#x cycle=%d]", f.Err, f.ThreadID, f.PC, f.Cycle)
	if f.Addr != 0 {
		s += fmt.Sprintf(" addr=%#x", f.Addr)
	}
	if f.Detail != "" {
		s += " " + f.Detail
	}
	return s
}

func (f *Fault) Unwrap() error { return f.Err }

// IsVMFatal reports whether the fault should take down the whole machine
// rather than just the offending thread.
func IsVMFatal(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrDeadlockDetected)
}
