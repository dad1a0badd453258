package types

// AccessKind classifies one memory access.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessRMW
	AccessExec
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "READ"
	case AccessWrite:
		return "WRITE"
	case AccessRMW:
		return "RMW"
	case AccessExec:
		return "EXEC"
	}
	return "UNKNOWN"
}

// AccessEvent records one memory access. The MemorySystem log is append-only;
// the race detector and the forensic log both consume it.
type AccessEvent struct {
	Cycle    uint64     `json:"cycle"`
	ThreadID uint32     `json:"threadId"`
	Addr     uint64     `json:"addr"`
	Len      uint32     `json:"len"`
	Kind     AccessKind `json:"kind"`
}

// ThreadState is the scheduling state of a thread context.
type ThreadState uint8

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "READY"
	case ThreadRunning:
		return "RUNNING"
	case ThreadBlocked:
		return "BLOCKED"
	case ThreadTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Privilege is the execution privilege level of a thread.
type Privilege uint8

const (
	PrivUser Privilege = iota
	PrivKernel
)

func (p Privilege) String() string {
	if p == PrivKernel {
		return "KERNEL"
	}
	return "USER"
}

// MachineState is the lifecycle state of a virtual machine.
type MachineState uint8

const (
	MachineIdle MachineState = iota
	MachineRunning
	MachinePaused
	MachineFinished
	MachineFaulted
)

func (s MachineState) String() string {
	switch s {
	case MachineIdle:
		return "IDLE"
	case MachineRunning:
		return "RUNNING"
	case MachinePaused:
		return "PAUSED"
	case MachineFinished:
		return "FINISHED"
	case MachineFaulted:
		return "FAULTED"
	}
	return "UNKNOWN"
}
