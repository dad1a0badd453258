package vm

import (
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
)

// opHandler applies one instruction to thread t. The handler resolution is
// table dispatch keyed by opcode, built once at package init.
type opHandler func(m *VM, t *Thread, in types.Instruction) error

var dispatchTable [256]opHandler

func init() {
	initDispatchTable()
}

func initDispatchTable() {
	// Compute
	dispatchTable[types.ADD] = opALU
	dispatchTable[types.SUB] = opALU
	dispatchTable[types.MUL] = opALU
	dispatchTable[types.DIV] = opALU
	dispatchTable[types.AND] = opALU
	dispatchTable[types.OR] = opALU
	dispatchTable[types.XOR] = opALU
	dispatchTable[types.SHL] = opALU
	dispatchTable[types.SHR] = opALU
	dispatchTable[types.CMP] = opALU
	dispatchTable[types.MOVI] = opMovImm
	dispatchTable[types.MOV] = opMov
	dispatchTable[types.ADDI] = opAddImm

	// Memory
	dispatchTable[types.LOAD] = opLoad
	dispatchTable[types.STORE] = opStore
	dispatchTable[types.CAS] = opCAS

	// Branch
	dispatchTable[types.JMP] = opJump
	dispatchTable[types.BEQ] = opBranchCond
	dispatchTable[types.BNE] = opBranchCond
	dispatchTable[types.BLT] = opBranchCond
	dispatchTable[types.CALL] = opCall
	dispatchTable[types.RET] = opRet

	// System
	dispatchTable[types.SYSCALL] = opSyscall
	dispatchTable[types.SYSRET] = opSysret
	dispatchTable[types.OUT] = opOut

	// Special
	dispatchTable[types.NOP] = opNop
	dispatchTable[types.HALT] = opHalt
}

func opALU(m *VM, t *Thread, in types.Instruction) error {
	a := t.Regs[in.Ra]
	b := t.Regs[in.Rb]
	var r uint64
	switch in.Op {
	case types.ADD:
		r = a + b
	case types.SUB:
		r = a - b
	case types.MUL:
		r = a * b
	case types.DIV:
		// Division by zero yields all ones rather than faulting.
		if b == 0 {
			r = ^uint64(0)
		} else {
			r = a / b
		}
	case types.AND:
		r = a & b
	case types.OR:
		r = a | b
	case types.XOR:
		r = a ^ b
	case types.SHL:
		r = a << (b & 63)
	case types.SHR:
		r = a >> (b & 63)
	case types.CMP:
		switch {
		case a < b:
			r = ^uint64(0)
		case a == b:
			r = 0
		default:
			r = 1
		}
	}
	t.Regs[in.Rd] = r
	return nil
}

func opMovImm(m *VM, t *Thread, in types.Instruction) error {
	t.Regs[in.Rd] = in.Imm
	return nil
}

func opMov(m *VM, t *Thread, in types.Instruction) error {
	t.Regs[in.Rd] = t.Regs[in.Ra]
	return nil
}

func opAddImm(m *VM, t *Thread, in types.Instruction) error {
	t.Regs[in.Rd] = t.Regs[in.Ra] + in.Imm
	return nil
}

func effectiveAddr(t *Thread, in types.Instruction) uint64 {
	return t.Regs[in.Ra] + in.Imm
}

func opLoad(m *VM, t *Thread, in types.Instruction) error {
	addr := effectiveAddr(t, in)
	v, err := m.mem.ReadU64(m.cycle, t.ID, addr)
	if err != nil {
		return err
	}
	t.Regs[in.Rd] = v
	return nil
}

func opStore(m *VM, t *Thread, in types.Instruction) error {
	addr := effectiveAddr(t, in)
	if err := m.mem.WriteU64(m.cycle, t.ID, addr, t.Regs[in.Rd]); err != nil {
		return err
	}
	m.recordDelta(addr, t.Regs[in.Rd])
	return nil
}

func opCAS(m *VM, t *Thread, in types.Instruction) error {
	addr := effectiveAddr(t, in)
	swapped, err := m.mem.CompareAndSwap(m.cycle, t.ID, addr, t.Regs[in.Rd], t.Regs[in.Rb])
	if err != nil {
		return err
	}
	if swapped {
		m.recordDelta(addr, t.Regs[in.Rb])
		t.Regs[in.Rd] = 1
	} else {
		t.Regs[in.Rd] = 0
	}
	return nil
}

func opJump(m *VM, t *Thread, in types.Instruction) error {
	t.PC = m.branchTarget(in.Imm)
	return nil
}

func opBranchCond(m *VM, t *Thread, in types.Instruction) error {
	a := t.Regs[in.Ra]
	b := t.Regs[in.Rb]
	var taken bool
	switch in.Op {
	case types.BEQ:
		taken = a == b
	case types.BNE:
		taken = a != b
	case types.BLT:
		taken = a < b
	}
	if taken {
		t.PC = m.branchTarget(in.Imm)
	}
	return nil
}

func opCall(m *VM, t *Thread, in types.Instruction) error {
	// t.PC was advanced before execution: it is the return address.
	sp := t.SP() - 8
	if err := m.mem.WriteU64(m.cycle, t.ID, sp, t.PC); err != nil {
		return err
	}
	m.recordDelta(sp, t.PC)
	t.SetSP(sp)
	t.PC = m.branchTarget(in.Imm)
	return nil
}

func opRet(m *VM, t *Thread, in types.Instruction) error {
	sp := t.SP()
	ret, err := m.mem.ReadU64(m.cycle, t.ID, sp)
	if err != nil {
		return err
	}
	t.SetSP(sp + 8)
	t.PC = ret
	return nil
}

func opSyscall(m *VM, t *Thread, in types.Instruction) error {
	if m.gate == nil {
		return &uvmerrors.Fault{
			Err: uvmerrors.ErrPrivilegeFault, ThreadID: t.ID, PC: t.PC, Cycle: m.cycle,
			Detail: "no syscall gate registered",
		}
	}
	return m.gate.Syscall(m, t, in.Imm)
}

func opSysret(m *VM, t *Thread, in types.Instruction) error {
	if m.gate == nil {
		return &uvmerrors.Fault{
			Err: uvmerrors.ErrPrivilegeFault, ThreadID: t.ID, PC: t.PC, Cycle: m.cycle,
			Detail: "no syscall gate registered",
		}
	}
	return m.gate.Sysret(m, t)
}

func opOut(m *VM, t *Thread, in types.Instruction) error {
	m.EmitOutput(t, t.Regs[in.Ra])
	return nil
}

func opNop(m *VM, t *Thread, in types.Instruction) error { return nil }

func opHalt(m *VM, t *Thread, in types.Instruction) error {
	m.terminateThread(t, nil)
	return nil
}
