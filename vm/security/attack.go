package security

import (
	"fmt"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// Fixed (pre-ASLR) layout the attack programs are written against. An
// attacker "knows" these addresses; sliding them is exactly what ASLR
// defends.
const (
	atkCodeBase   = 0x1000
	atkDataBase   = 0x8000
	atkKernelBase = 0xC000
	atkStackBase  = 0x10000

	atkSegLen   = 0x1000
	atkStackLen = 0x4000

	// flagOff is where a successful payload plants its marker in the
	// data segment.
	flagOff  = 0x100
	flagWord = 0xDEAD

	secretWord = 0x5EC12E7
)

const attackBudget = 10_000

// AttackResult is the outcome of one scenario run.
type AttackResult struct {
	Scenario    string
	Description string
	Protected   bool
	// Detected means a protection blocked the attack (a finding with
	// Blocked set). Succeeded means the payload reached its goal. An
	// attack stopped by a plain segmentation fault is neither.
	Detected  bool
	Succeeded bool
	Fault     string
	Findings  []types.SecurityFinding
}

func (r AttackResult) String() string {
	mode := "unprotected"
	if r.Protected {
		mode = "protected"
	}
	switch {
	case r.Detected:
		return fmt.Sprintf("%s [%s]: blocked (%s)", r.Scenario, mode, r.Fault)
	case r.Succeeded:
		return fmt.Sprintf("%s [%s]: attack succeeded", r.Scenario, mode)
	default:
		return fmt.Sprintf("%s [%s]: failed (%s)", r.Scenario, mode, r.Fault)
	}
}

// Scenario is one canned attack, runnable with or without protections.
type Scenario struct {
	Name        string
	Description string

	run func(as *AttackSimulator, protected bool) (AttackResult, error)
}

// AttackSimulator builds a fresh machine per scenario run, mounts the
// victim program, and reports whether the protections caught the
// attack.
type AttackSimulator struct {
	seed int64
}

func NewAttackSimulator(seed int64) *AttackSimulator {
	return &AttackSimulator{seed: seed}
}

// Scenarios returns the catalog in presentation order.
func (as *AttackSimulator) Scenarios() []Scenario {
	return []Scenario{
		{
			Name:        "stack-smash",
			Description: "buffer overflow clobbers the canary and return address",
			run:         (*AttackSimulator).stackSmash,
		},
		{
			Name:        "return-redirect",
			Description: "overflow with a leaked canary, caught by the shadow stack",
			run:         (*AttackSimulator).returnRedirect,
		},
		{
			Name:        "code-injection",
			Description: "return into shellcode staged in the data segment",
			run:         (*AttackSimulator).codeInjection,
		},
		{
			Name:        "privilege-escalation",
			Description: "USER thread reads a kernel segment and exfiltrates it",
			run:         (*AttackSimulator).privilegeEscalation,
		},
	}
}

// Run executes one named scenario.
func (as *AttackSimulator) Run(name string, protected bool) (AttackResult, error) {
	for _, sc := range as.Scenarios() {
		if sc.Name == name {
			r, err := sc.run(as, protected)
			if err != nil {
				return AttackResult{}, err
			}
			r.Scenario = sc.Name
			r.Description = sc.Description
			r.Protected = protected
			return r, nil
		}
	}
	return AttackResult{}, fmt.Errorf("unknown attack scenario %q", name)
}

// RunAll executes every scenario twice, unprotected then protected.
func (as *AttackSimulator) RunAll() ([]AttackResult, error) {
	var out []AttackResult
	for _, sc := range as.Scenarios() {
		for _, protected := range []bool{false, true} {
			r, err := as.Run(sc.Name, protected)
			if err != nil {
				return nil, err
			}
			log.Info(log.SecurityMonitoring, "attack scenario", "name", sc.Name,
				"protected", protected, "detected", r.Detected, "succeeded", r.Succeeded)
			out = append(out, r)
		}
	}
	return out, nil
}

// ins is shorthand for building attack programs.
func ins(op types.Opcode, rd, ra, rb uint8, imm uint64) types.Instruction {
	return types.Instruction{Op: op, Rd: rd, Ra: ra, Rb: rb, Imm: imm}
}

// neg encodes a negative immediate for wrap-around ADDI.
func neg(n uint64) uint64 { return ^n + 1 }

func atkSegments(dataPerm types.PermSet, kernel bool) []types.SegmentDesc {
	segs := []types.SegmentDesc{
		{Name: "code", Base: atkCodeBase, Length: atkSegLen, Perm: types.PermRead | types.PermExecute},
		{Name: "data", Base: atkDataBase, Length: atkSegLen, Perm: dataPerm},
		{Name: "stack", Base: atkStackBase, Length: atkStackLen, Perm: types.PermRead | types.PermWrite},
	}
	if kernel {
		segs = append(segs, types.SegmentDesc{
			Name: "kernel_data", Base: atkKernelBase, Length: atkSegLen, Perm: types.PermRead,
		})
	}
	return segs
}

// launch mounts the program on a fresh machine, installs the suite when
// cfg is non-nil, and runs to completion. Thread faults do not fail the
// run; fatal machine faults do.
func (as *AttackSimulator) launch(prog *types.Program, cfg *ProtectConfig, prime func(m *vm.VM) error) (*vm.VM, *Suite, error) {
	m := vm.NewVM(vm.Config{NumCores: 1})
	var suite *Suite
	if cfg != nil {
		var err error
		if suite, err = Install(m, *cfg); err != nil {
			return nil, nil, err
		}
	}
	if err := m.LoadProgram(prog); err != nil {
		return nil, nil, err
	}
	if _, err := m.CreateThread(0, 0); err != nil {
		return nil, nil, err
	}
	if prime != nil {
		// One step forces layout so the priming hook can poke memory at
		// the segments' final (possibly slid) addresses.
		if err := m.Step(vm.RunOptions{Seed: as.seed}); err != nil {
			return m, suite, err
		}
		if err := prime(m); err != nil {
			return nil, nil, err
		}
	}
	err := m.Run(vm.RunOptions{MaxCycles: attackBudget, Seed: as.seed})
	return m, suite, err
}

func (as *AttackSimulator) result(m *vm.VM, goalSeg string, goalOff, goalWant uint64) AttackResult {
	r := AttackResult{Fault: firstFault(m)}
	rep := m.SecurityReport()
	r.Findings = rep.Findings
	for _, f := range rep.Findings {
		if f.Blocked {
			r.Detected = true
		}
	}
	if base, ok := segBase(m, goalSeg); ok {
		if raw, err := m.Memory().ReadRaw(base+goalOff, 8); err == nil {
			var v uint64
			for i := 7; i >= 0; i-- {
				v = v<<8 | uint64(raw[i])
			}
			r.Succeeded = v == goalWant
		}
	}
	return r
}

func segBase(m *vm.VM, name string) (uint64, bool) {
	for _, s := range m.Memory().Segments() {
		if s.Name == name {
			return s.Base, true
		}
	}
	return 0, false
}

func firstFault(m *vm.VM) string {
	if faults := m.Trace().Filter(trace.KindFault, -1); len(faults) > 0 {
		return faults[0].Detail
	}
	return ""
}

// gadget returns the payload instructions that plant the flag.
func gadget() []types.Instruction {
	return []types.Instruction{
		ins(types.MOVI, 3, 0, 0, flagWord),
		ins(types.MOVI, 4, 0, 0, atkDataBase+flagOff),
		ins(types.STORE, 3, 4, 0, 0),
		ins(types.HALT, 0, 0, 0, 0),
	}
}

// stackSmash overflows a 16-byte local buffer with copies of the gadget
// address. The overflow runs one slot past the locals: onto the return
// address, or onto the canary once one is interposed.
func (as *AttackSimulator) stackSmash(protected bool) (AttackResult, error) {
	const gadgetAt = 9
	payload := uint64(atkCodeBase + gadgetAt*types.InstrWidth)
	sp := uint8(types.SPReg)

	code := []types.Instruction{
		ins(types.CALL, 0, 0, 0, 2),
		ins(types.HALT, 0, 0, 0, 0),
		// victim: allocate locals, overflow upward, return
		ins(types.ADDI, sp, sp, 0, neg(16)),
		ins(types.MOVI, 2, 0, 0, payload),
		ins(types.STORE, 2, sp, 0, 0),
		ins(types.STORE, 2, sp, 0, 8),
		ins(types.STORE, 2, sp, 0, 16),
		ins(types.ADDI, sp, sp, 0, 16),
		ins(types.RET, 0, 0, 0, 0),
	}
	code = append(code, gadget()...)

	prog := &types.Program{
		Name:     "stack-smash",
		Code:     code,
		Segments: atkSegments(types.PermRead|types.PermWrite, false),
	}
	var cfg *ProtectConfig
	if protected {
		c := AllProtections()
		cfg = &c
	}
	m, _, err := as.launch(prog, cfg, nil)
	if err != nil {
		return AttackResult{}, err
	}
	return as.result(m, "data", flagOff, flagWord), nil
}

// returnRedirect assumes the attacker leaked the canary word: the
// overflow restores it and only redirects the return address, so the
// shadow stack is the protection that fires.
func (as *AttackSimulator) returnRedirect(protected bool) (AttackResult, error) {
	const gadgetAt = 10
	payload := uint64(atkCodeBase + gadgetAt*types.InstrWidth)
	sp := uint8(types.SPReg)

	victim := []types.Instruction{
		ins(types.ADDI, sp, sp, 0, neg(16)),
		ins(types.MOVI, 2, 0, 0, payload),
	}
	if protected {
		// canary at sp+16, return address at sp+24
		victim = append(victim,
			ins(types.MOVI, 5, 0, 0, DefaultCanary),
			ins(types.STORE, 5, sp, 0, 16),
			ins(types.STORE, 2, sp, 0, 24),
		)
	} else {
		// return address at sp+16
		victim = append(victim,
			ins(types.NOP, 0, 0, 0, 0),
			ins(types.NOP, 0, 0, 0, 0),
			ins(types.STORE, 2, sp, 0, 16),
		)
	}
	victim = append(victim,
		ins(types.ADDI, sp, sp, 0, 16),
		ins(types.RET, 0, 0, 0, 0),
	)

	code := []types.Instruction{
		ins(types.CALL, 0, 0, 0, 2),
		ins(types.HALT, 0, 0, 0, 0),
	}
	code = append(code, victim...)
	code = append(code, ins(types.NOP, 0, 0, 0, 0)) // pad to gadgetAt
	code = append(code, gadget()...)

	prog := &types.Program{
		Name:     "return-redirect",
		Code:     code,
		Segments: atkSegments(types.PermRead|types.PermWrite, false),
	}
	var cfg *ProtectConfig
	if protected {
		// ASLR off: the leaked-canary premise pairs with a known layout.
		c := ProtectConfig{DEP: true, Canary: true}
		cfg = &c
	}
	m, _, err := as.launch(prog, cfg, nil)
	if err != nil {
		return AttackResult{}, err
	}
	return as.result(m, "data", flagOff, flagWord), nil
}

// codeInjection stages shellcode in a writable scratch segment and
// returns into it. Unprotected the scratch mapping is also executable;
// with DEP the fetch is vetoed.
func (as *AttackSimulator) codeInjection(protected bool) (AttackResult, error) {
	const scratchBase = 0xB000
	sp := uint8(types.SPReg)
	shell := []types.Instruction{
		ins(types.MOVI, 3, 0, 0, flagWord),
		ins(types.MOVI, 4, 0, 0, atkDataBase+flagOff),
		ins(types.STORE, 3, 4, 0, 0),
		ins(types.HALT, 0, 0, 0, 0),
	}

	code := []types.Instruction{
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.MOVI, 2, 0, 0, scratchBase),
		ins(types.ADDI, sp, sp, 0, neg(8)),
		ins(types.STORE, 2, sp, 0, 0),
		ins(types.RET, 0, 0, 0, 0),
	}

	scratchPerm := types.PermRead | types.PermWrite
	if !protected {
		// The lax W+X mapping the attack needs.
		scratchPerm |= types.PermExecute
	}
	segs := append(atkSegments(types.PermRead|types.PermWrite, false), types.SegmentDesc{
		Name: "scratch", Base: scratchBase, Length: atkSegLen, Perm: scratchPerm,
	})
	prog := &types.Program{
		Name:     "code-injection",
		Code:     code,
		Segments: segs,
	}
	var cfg *ProtectConfig
	if protected {
		// ASLR off: DEP, not a slid segment, is what stops the fetch.
		c := ProtectConfig{DEP: true, Canary: true}
		cfg = &c
	}
	prime := func(m *vm.VM) error {
		base, ok := segBase(m, "scratch")
		if !ok {
			return fmt.Errorf("scratch segment missing")
		}
		buf := make([]byte, len(shell)*types.InstrWidth)
		for i, in := range shell {
			in.Encode(buf[i*types.InstrWidth:])
		}
		return m.Memory().WriteRaw(base, buf)
	}
	m, _, err := as.launch(prog, cfg, prime)
	if err != nil {
		return AttackResult{}, err
	}
	return as.result(m, "data", flagOff, flagWord), nil
}

// privilegeEscalation reads a secret out of a kernel-only segment from
// USER level and copies it somewhere world-readable.
func (as *AttackSimulator) privilegeEscalation(protected bool) (AttackResult, error) {
	code := []types.Instruction{
		ins(types.NOP, 0, 0, 0, 0),
		ins(types.MOVI, 4, 0, 0, atkKernelBase),
		ins(types.LOAD, 3, 4, 0, 0),
		ins(types.MOVI, 5, 0, 0, atkDataBase+flagOff),
		ins(types.STORE, 3, 5, 0, 0),
		ins(types.HALT, 0, 0, 0, 0),
	}
	prog := &types.Program{
		Name:     "privilege-escalation",
		Code:     code,
		Segments: atkSegments(types.PermRead|types.PermWrite, true),
	}
	var cfg *ProtectConfig
	if protected {
		// ASLR off so the access lands in the kernel segment and the
		// privilege check, not a stray segfault, is what stops it.
		c := ProtectConfig{DEP: true, Canary: true}
		cfg = &c
	}
	prime := func(m *vm.VM) error {
		base, ok := segBase(m, "kernel_data")
		if !ok {
			return fmt.Errorf("kernel segment missing")
		}
		secret := make([]byte, 8)
		for i := 0; i < 8; i++ {
			secret[i] = byte(uint64(secretWord) >> (8 * i))
		}
		return m.Memory().WriteRaw(base, secret)
	}
	m, _, err := as.launch(prog, cfg, prime)
	if err != nil {
		return AttackResult{}, err
	}
	return as.result(m, "data", flagOff, secretWord), nil
}
