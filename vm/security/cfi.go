package security

import (
	"fmt"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// ControlFlowMonitor keeps a shadow stack per thread: CALL pushes the
// return address to a stack the program cannot address, RET compares
// the in-memory return address against the shadow copy. A mismatch
// means the stack slot was overwritten and control flow is about to be
// hijacked.
//
// When canaries are active the protector must run first (InstallAll
// registers in that order) so the monitor reads the stack after the
// canary slot is popped.
type ControlFlowMonitor struct {
	vm.NopExtension

	shadow   map[uint32][]uint64
	findings []types.SecurityFinding
}

func NewControlFlowMonitor() *ControlFlowMonitor {
	return &ControlFlowMonitor{shadow: make(map[uint32][]uint64)}
}

func (cf *ControlFlowMonitor) Name() string { return "control-flow-monitor" }

// PreExecute mirrors CALL return addresses and audits RET targets.
func (cf *ControlFlowMonitor) PreExecute(m *vm.VM, t *vm.Thread, in types.Instruction) error {
	switch in.Op {
	case types.CALL:
		// The PC was already advanced: it is the return address the
		// CALL handler is about to push.
		cf.shadow[t.ID] = append(cf.shadow[t.ID], t.PC)
		return nil
	case types.RET:
		return cf.auditReturn(m, t)
	}
	return nil
}

func (cf *ControlFlowMonitor) auditReturn(m *vm.VM, t *vm.Thread) error {
	stack := cf.shadow[t.ID]
	if len(stack) == 0 {
		// RET without a matching CALL; nothing to audit against.
		return nil
	}
	want := stack[len(stack)-1]
	cf.shadow[t.ID] = stack[:len(stack)-1]

	got, err := m.Memory().ReadU64(m.Cycle(), t.ID, t.SP())
	if err != nil {
		return err
	}
	if got == want {
		return nil
	}
	f := types.SecurityFinding{
		Kind: "shadow_stack", ThreadID: t.ID, Addr: t.SP(), PC: t.PC, Cycle: m.Cycle(), Blocked: true,
		Detail: fmt.Sprintf("return address %#x does not match shadow copy %#x", got, want),
	}
	cf.findings = append(cf.findings, f)
	m.AppendEvent(trace.Event{Kind: trace.KindSecurity, ThreadID: t.ID, Detail: f.Detail})
	log.Warn(log.SecurityMonitoring, "control flow hijack blocked", "thread", t.ID,
		"want", fmt.Sprintf("%#x", want), "got", fmt.Sprintf("%#x", got))
	return &uvmerrors.Fault{
		Err: uvmerrors.ErrControlFlowViolation, ThreadID: t.ID, PC: t.PC, Addr: t.SP(),
		Cycle: m.Cycle(), Detail: f.Detail,
	}
}

// Depth returns the shadow stack depth for a thread, for tests and the
// debugger.
func (cf *ControlFlowMonitor) Depth(tid uint32) int { return len(cf.shadow[tid]) }

// SecurityFindings implements vm.SecurityReporter.
func (cf *ControlFlowMonitor) SecurityFindings() []types.SecurityFinding {
	return append([]types.SecurityFinding(nil), cf.findings...)
}
