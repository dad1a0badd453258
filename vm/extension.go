package vm

import (
	"math/rand"

	"github.com/colorfulnotion/uvm/types"
)

// Extension observes and intervenes in the execution loop at four hook
// points. Extensions are registered before Run and are invoked in
// registration order.
type Extension interface {
	Name() string

	// PreExecute runs before the instruction takes effect. A non-nil error
	// vetoes the instruction and is handled as a fault of the thread.
	PreExecute(m *VM, t *Thread, in types.Instruction) error

	// PostExecute runs after the instruction retired.
	PostExecute(m *VM, t *Thread, in types.Instruction)

	// OnFault runs when a fault is attributed to the thread.
	OnFault(m *VM, t *Thread, err error)

	// OnContextSwitch runs when a core switches threads; prev or next may
	// be nil.
	OnContextSwitch(m *VM, core int, prev, next *Thread)
}

// NopExtension is a no-op Extension for embedding.
type NopExtension struct{}

func (NopExtension) PreExecute(*VM, *Thread, types.Instruction) error { return nil }

func (NopExtension) PostExecute(*VM, *Thread, types.Instruction) {}

func (NopExtension) OnFault(*VM, *Thread, error) {}

func (NopExtension) OnContextSwitch(*VM, int, *Thread, *Thread) {}

// The capability interfaces below are type-asserted once at registration,
// never per tick.

// SyncHandler executes SYNC-class instructions. Provided by the parallel
// synchronization extension.
type SyncHandler interface {
	// ExecSync performs the operation; blocked=true means the thread moved
	// to BLOCKED and the instruction must be retried on wake.
	ExecSync(m *VM, t *Thread, in types.Instruction) (blocked bool, err error)

	// OnThreadExit releases objects owned by a dying thread (abnormal
	// release) and removes it from wait queues.
	OnThreadExit(m *VM, t *Thread)
}

// DeadlockDetector is consulted when no thread is runnable but some are
// blocked.
type DeadlockDetector interface {
	// DetectDeadlock returns the thread ids on a wait-for cycle and a
	// human-readable rendering of the cycle.
	DetectDeadlock() (cycle []uint32, rendition string, found bool)
}

// SyscallGate validates and executes SYSCALL/SYSRET. Provided by the
// security privilege extension.
type SyscallGate interface {
	Syscall(m *VM, t *Thread, num uint64) error
	Sysret(m *VM, t *Thread) error
}

// SegmentRandomizer supplies deterministic per-seed segment base offsets
// (ASLR). Provided by the security memory protector.
type SegmentRandomizer interface {
	SegmentOffset(name string, seed int64) uint64
}

// AccessChecker vetoes memory accesses before the raw segment permission
// check (DEP and friends). Installed into the MemorySystem at registration.
type AccessChecker interface {
	CheckAccess(ev types.AccessEvent, seg types.SegmentDesc) error
}

// RaceReporter exposes accumulated advisory race findings.
type RaceReporter interface {
	RaceFindings() types.RaceReport
}

// SecurityReporter exposes accumulated security findings.
type SecurityReporter interface {
	SecurityFindings() []types.SecurityFinding
}

// Scheduler selects the next thread for a core each tick. Implementations
// live in the parallel extension package; ties must be broken with the
// provided PRNG so runs reproduce per seed.
type Scheduler interface {
	Name() string

	// Quantum is the number of ticks granted before preemption; 0 disables
	// quantum preemption.
	Quantum() uint32

	// Pick chooses the thread to run. current is the thread on the core
	// (nil if idle); ready is sorted by thread id and excludes current.
	// Returning nil idles the core for the tick.
	Pick(core int, current *Thread, ready []*Thread, quantumExpired bool, rng *rand.Rand) *Thread
}
