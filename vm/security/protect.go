package security

import (
	"fmt"
	"hash/fnv"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// DefaultCanary is the sentinel written below every return address when
// stack canaries are on. A deliberately recognizable value for memory
// dumps.
const DefaultCanary uint64 = 0xC0FFEE0DDEFEC8ED

// DefaultASLRWindow bounds segment slide; offsets stay 16-byte aligned
// inside [0, window).
const DefaultASLRWindow uint64 = 0x4000

// ProtectConfig toggles the individual memory protections. Each one can
// be switched off to demonstrate the attack it defeats.
type ProtectConfig struct {
	DEP        bool
	ASLR       bool
	Canary     bool
	ASLRWindow uint64 // default DefaultASLRWindow
	CanaryWord uint64 // default DefaultCanary
}

// AllProtections returns a config with every mitigation enabled.
func AllProtections() ProtectConfig {
	return ProtectConfig{DEP: true, ASLR: true, Canary: true}
}

// MemoryProtector enforces DEP on instruction fetch, slides segments per
// seed (ASLR), and brackets CALL/RET with stack canaries. It vetoes
// accesses before the raw segment permission check.
type MemoryProtector struct {
	vm.NopExtension

	cfg ProtectConfig

	// canaries holds, per thread, the addresses of live canary slots in
	// call order.
	canaries map[uint32][]uint64

	findings []types.SecurityFinding
}

func NewMemoryProtector(cfg ProtectConfig) *MemoryProtector {
	if cfg.ASLRWindow == 0 {
		cfg.ASLRWindow = DefaultASLRWindow
	}
	if cfg.CanaryWord == 0 {
		cfg.CanaryWord = DefaultCanary
	}
	return &MemoryProtector{cfg: cfg, canaries: make(map[uint32][]uint64)}
}

func (mp *MemoryProtector) Name() string { return "memory-protector" }

// CheckAccess implements vm.AccessChecker: with DEP on, instruction
// fetch from a non-executable segment is vetoed even though the
// segment may grant data reads.
func (mp *MemoryProtector) CheckAccess(ev types.AccessEvent, seg types.SegmentDesc) error {
	if !mp.cfg.DEP || ev.Kind != types.AccessExec {
		return nil
	}
	if seg.Perm.Has(types.PermExecute) {
		return nil
	}
	mp.record(types.SecurityFinding{
		Kind: "dep", ThreadID: ev.ThreadID, Addr: ev.Addr, Cycle: ev.Cycle, Blocked: true,
		Detail: fmt.Sprintf("fetch from non-executable segment %q", seg.Name),
	})
	log.Warn(log.SecurityMonitoring, "DEP veto", "thread", ev.ThreadID, "addr", fmt.Sprintf("%#x", ev.Addr), "segment", seg.Name)
	return &uvmerrors.Fault{
		Err: uvmerrors.ErrDEPViolation, ThreadID: ev.ThreadID, Addr: ev.Addr, Cycle: ev.Cycle,
		Detail: fmt.Sprintf("execute from %q (%s)", seg.Name, seg.Perm),
	}
}

// SegmentOffset implements vm.SegmentRandomizer. The slide is a pure
// function of segment name and seed, so a run reproduces exactly, but
// differs across seeds.
func (mp *MemoryProtector) SegmentOffset(name string, seed int64) uint64 {
	if !mp.cfg.ASLR {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	var sb [8]byte
	for i := 0; i < 8; i++ {
		sb[i] = byte(uint64(seed) >> (8 * i))
	}
	h.Write(sb[:])
	return (h.Sum64() % mp.cfg.ASLRWindow) &^ 0xF
}

// PostExecute plants a canary under the freshly pushed return address.
// Stack layout after a CALL with canaries on: [canary][return addr].
func (mp *MemoryProtector) PostExecute(m *vm.VM, t *vm.Thread, in types.Instruction) {
	if !mp.cfg.Canary || in.Op != types.CALL {
		return
	}
	slot := t.SP() - 8
	if err := m.Memory().WriteU64(m.Cycle(), t.ID, slot, mp.cfg.CanaryWord); err != nil {
		log.Warn(log.SecurityMonitoring, "canary plant failed", "thread", t.ID, "err", err)
		return
	}
	t.SetSP(slot)
	mp.canaries[t.ID] = append(mp.canaries[t.ID], slot)
}

// PreExecute verifies and pops the canary before RET consumes the
// return address. A clobbered canary faults the thread before control
// can transfer to a corrupted address.
func (mp *MemoryProtector) PreExecute(m *vm.VM, t *vm.Thread, in types.Instruction) error {
	if !mp.cfg.Canary || in.Op != types.RET {
		return nil
	}
	stack := mp.canaries[t.ID]
	if len(stack) == 0 {
		return nil
	}
	slot := stack[len(stack)-1]
	mp.canaries[t.ID] = stack[:len(stack)-1]

	got, err := m.Memory().ReadU64(m.Cycle(), t.ID, slot)
	if err != nil {
		return err
	}
	if got == mp.cfg.CanaryWord {
		t.SetSP(slot + 8)
		return nil
	}
	f := types.SecurityFinding{
		Kind: "canary", ThreadID: t.ID, Addr: slot, PC: t.PC, Cycle: m.Cycle(), Blocked: true,
		Detail: fmt.Sprintf("canary at %#x clobbered: %#x", slot, got),
	}
	mp.record(f)
	m.AppendEvent(trace.Event{Kind: trace.KindSecurity, ThreadID: t.ID, Detail: f.Detail})
	log.Warn(log.SecurityMonitoring, "stack canary clobbered", "thread", t.ID, "slot", fmt.Sprintf("%#x", slot))
	return &uvmerrors.Fault{
		Err: uvmerrors.ErrStackCorruptionFault, ThreadID: t.ID, PC: t.PC, Addr: slot,
		Cycle: m.Cycle(), Detail: f.Detail,
	}
}

func (mp *MemoryProtector) record(f types.SecurityFinding) {
	mp.findings = append(mp.findings, f)
}

// SecurityFindings implements vm.SecurityReporter.
func (mp *MemoryProtector) SecurityFindings() []types.SecurityFinding {
	return append([]types.SecurityFinding(nil), mp.findings...)
}
