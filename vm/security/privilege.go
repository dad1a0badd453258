package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// Well-known syscall numbers.
const (
	SysWrite uint64 = 1 // emit r0 to the output channel
	SysExit  uint64 = 2 // terminate the calling thread
	SysYield uint64 = 3 // give up the core
	SysGetID uint64 = 4 // r0 = thread id
)

// KernelSegmentPrefix marks segments reachable only at KERNEL level.
const KernelSegmentPrefix = "kernel"

// SyscallFunc runs at KERNEL level with the four argument registers
// copied out of the caller. The return value lands in r0.
type SyscallFunc func(m *vm.VM, t *vm.Thread, args [4]uint64) (uint64, error)

// PrivilegeManager is the gate between USER and KERNEL: it validates
// syscall numbers, elevates for the duration of the handler, drops
// privilege on return, and denies USER access to kernel segments.
type PrivilegeManager struct {
	vm.NopExtension

	m        *vm.VM
	handlers map[uint64]SyscallFunc
	findings []types.SecurityFinding
}

// NewPrivilegeManager builds a gate with the built-in syscall table
// (write, exit, yield, getid).
func NewPrivilegeManager() *PrivilegeManager {
	pm := &PrivilegeManager{handlers: make(map[uint64]SyscallFunc)}
	pm.handlers[SysWrite] = func(m *vm.VM, t *vm.Thread, args [4]uint64) (uint64, error) {
		m.EmitOutput(t, args[0])
		return args[0], nil
	}
	pm.handlers[SysExit] = func(m *vm.VM, t *vm.Thread, args [4]uint64) (uint64, error) {
		m.ExitThread(t)
		return 0, nil
	}
	pm.handlers[SysYield] = func(m *vm.VM, t *vm.Thread, args [4]uint64) (uint64, error) {
		if t.State == types.ThreadRunning {
			t.State = types.ThreadReady
		}
		return 0, nil
	}
	pm.handlers[SysGetID] = func(m *vm.VM, t *vm.Thread, args [4]uint64) (uint64, error) {
		return uint64(t.ID), nil
	}
	return pm
}

func (pm *PrivilegeManager) Name() string { return "privilege-manager" }

// Bind attaches the machine whose threads the segment checks consult.
// InstallAll does this; manual setups must call it before Run.
func (pm *PrivilegeManager) Bind(m *vm.VM) { pm.m = m }

// RegisterSyscall adds or replaces a syscall handler.
func (pm *PrivilegeManager) RegisterSyscall(num uint64, fn SyscallFunc) {
	pm.handlers[num] = fn
}

// Numbers returns the registered syscall numbers, sorted.
func (pm *PrivilegeManager) Numbers() []uint64 {
	out := make([]uint64, 0, len(pm.handlers))
	for n := range pm.handlers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Elevate starts a thread at KERNEL level, for OS-style setups.
func (pm *PrivilegeManager) Elevate(t *vm.Thread) { t.Priv = types.PrivKernel }

// Syscall implements vm.SyscallGate. Arguments cross the boundary by
// value: the handler sees a copy of r0..r3, never the register file.
func (pm *PrivilegeManager) Syscall(m *vm.VM, t *vm.Thread, num uint64) error {
	fn, ok := pm.handlers[num]
	if !ok {
		f := types.SecurityFinding{
			Kind: "privilege", ThreadID: t.ID, PC: t.PC, Cycle: m.Cycle(), Blocked: true,
			Detail: fmt.Sprintf("syscall %d not in the gate table", num),
		}
		pm.findings = append(pm.findings, f)
		log.Warn(log.SecurityMonitoring, "bad syscall", "thread", t.ID, "num", num)
		return &uvmerrors.Fault{
			Err: uvmerrors.ErrBadSyscall, ThreadID: t.ID, PC: t.PC, Cycle: m.Cycle(),
			Detail: f.Detail,
		}
	}

	var args [4]uint64
	copy(args[:], t.Regs[0:4])

	prev := t.Priv
	t.Priv = types.PrivKernel
	ret, err := fn(m, t, args)
	t.Priv = prev

	if err != nil {
		return err
	}
	t.Regs[0] = ret
	m.AppendEvent(trace.Event{
		Kind: trace.KindSyscall, ThreadID: t.ID, PC: t.PC,
		Detail: fmt.Sprintf("syscall %d -> %d", num, ret),
	})
	log.Debug(log.SecurityMonitoring, "syscall", "thread", t.ID, "num", num, "ret", ret)
	return nil
}

// Sysret implements vm.SyscallGate: an explicit drop to USER for
// threads that started at KERNEL level.
func (pm *PrivilegeManager) Sysret(m *vm.VM, t *vm.Thread) error {
	t.Priv = types.PrivUser
	m.AppendEvent(trace.Event{Kind: trace.KindSyscall, ThreadID: t.ID, PC: t.PC, Detail: "sysret"})
	return nil
}

// CheckAccess implements vm.AccessChecker: segments whose name carries
// the kernel prefix are untouchable from USER level.
func (pm *PrivilegeManager) CheckAccess(ev types.AccessEvent, seg types.SegmentDesc) error {
	if !strings.HasPrefix(seg.Name, KernelSegmentPrefix) || pm.m == nil {
		return nil
	}
	t, ok := pm.m.Thread(ev.ThreadID)
	if !ok || t.Priv == types.PrivKernel {
		return nil
	}
	f := types.SecurityFinding{
		Kind: "privilege", ThreadID: ev.ThreadID, Addr: ev.Addr, Cycle: ev.Cycle, Blocked: true,
		Detail: fmt.Sprintf("USER %s on kernel segment %q", ev.Kind, seg.Name),
	}
	pm.findings = append(pm.findings, f)
	log.Warn(log.SecurityMonitoring, "kernel segment access denied", "thread", ev.ThreadID, "segment", seg.Name)
	return &uvmerrors.Fault{
		Err: uvmerrors.ErrPrivilegeFault, ThreadID: ev.ThreadID, Addr: ev.Addr, Cycle: ev.Cycle,
		Detail: f.Detail,
	}
}

// SecurityFindings implements vm.SecurityReporter.
func (pm *PrivilegeManager) SecurityFindings() []types.SecurityFinding {
	return append([]types.SecurityFinding(nil), pm.findings...)
}
