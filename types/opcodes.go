package types

// Opcode is a tagged variant: the numeric range of an opcode determines its
// instruction class, so class dispatch never needs runtime type inspection.
type Opcode uint8

// Instruction classes.
type InstrClass uint8

const (
	ClassCompute InstrClass = iota
	ClassMemory
	ClassBranch
	ClassSync
	ClassSystem
	ClassSpecial
	ClassInvalid
)

// Compute instructions: Rd = Ra <op> Rb (or Imm for the *I forms).
const (
	ADD  Opcode = 0x00
	SUB  Opcode = 0x01
	MUL  Opcode = 0x02
	DIV  Opcode = 0x03
	AND  Opcode = 0x04
	OR   Opcode = 0x05
	XOR  Opcode = 0x06
	SHL  Opcode = 0x07
	SHR  Opcode = 0x08
	CMP  Opcode = 0x09 // Rd = (Ra<Rb: -1) | (Ra==Rb: 0) | 1
	MOVI Opcode = 0x0a // Rd = Imm
	MOV  Opcode = 0x0b // Rd = Ra
	ADDI Opcode = 0x0c // Rd = Ra + Imm
)

// Memory instructions. Effective address is Ra + Imm.
const (
	LOAD  Opcode = 0x20 // Rd = mem64[Ra+Imm]
	STORE Opcode = 0x21 // mem64[Ra+Imm] = Rd
	CAS   Opcode = 0x22 // atomic: if mem64[Ra+Imm]==Rb { mem64[Ra+Imm]=Rd; Rd=1 } else { Rd=0 }
)

// Branch instructions. Targets are code-segment-relative instruction
// indexes carried in Imm.
const (
	JMP  Opcode = 0x40
	BEQ  Opcode = 0x41 // if Ra == Rb
	BNE  Opcode = 0x42 // if Ra != Rb
	BLT  Opcode = 0x43 // if Ra < Rb (unsigned)
	CALL Opcode = 0x44 // push return address, jump to Imm
	RET  Opcode = 0x45 // pop return address, jump to it
)

// Synchronization instructions. Imm is the synchronization object id.
const (
	LOCKACQ Opcode = 0x60
	LOCKREL Opcode = 0x61
	SEMWAIT Opcode = 0x62
	SEMPOST Opcode = 0x63
	BARWAIT Opcode = 0x64
)

// System instructions. OUT and SYSRET are KERNEL-only.
const (
	SYSCALL Opcode = 0x80 // gate into KERNEL; call number in Imm, args in r0..r3
	SYSRET  Opcode = 0x81 // drop back to USER
	OUT     Opcode = 0x82 // emit Ra to the output channel
)

// Special instructions.
const (
	NOP  Opcode = 0xa0
	HALT Opcode = 0xa1
)

// Class returns the instruction class encoded in the opcode range.
func (op Opcode) Class() InstrClass {
	switch {
	case op <= ADDI:
		return ClassCompute
	case op >= LOAD && op <= CAS:
		return ClassMemory
	case op >= JMP && op <= RET:
		return ClassBranch
	case op >= LOCKACQ && op <= BARWAIT:
		return ClassSync
	case op >= SYSCALL && op <= OUT:
		return ClassSystem
	case op == NOP || op == HALT:
		return ClassSpecial
	default:
		return ClassInvalid
	}
}

// Privileged reports whether the opcode requires KERNEL level.
func (op Opcode) Privileged() bool {
	return op == OUT || op == SYSRET
}

var opcodeNames = map[Opcode]string{
	ADD: "ADD", SUB: "SUB", MUL: "MUL", DIV: "DIV", AND: "AND", OR: "OR",
	XOR: "XOR", SHL: "SHL", SHR: "SHR", CMP: "CMP", MOVI: "MOVI", MOV: "MOV",
	ADDI: "ADDI",
	LOAD: "LOAD", STORE: "STORE", CAS: "CAS",
	JMP: "JMP", BEQ: "BEQ", BNE: "BNE", BLT: "BLT", CALL: "CALL", RET: "RET",
	LOCKACQ: "LOCKACQ", LOCKREL: "LOCKREL", SEMWAIT: "SEMWAIT",
	SEMPOST: "SEMPOST", BARWAIT: "BARWAIT",
	SYSCALL: "SYSCALL", SYSRET: "SYSRET", OUT: "OUT",
	NOP: "NOP", HALT: "HALT",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return "INVALID"
}

var nameToOpcode = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, s := range opcodeNames {
		m[s] = op
	}
	return m
}()

// ParseOpcode resolves a mnemonic, for program descriptors written by hand.
func ParseOpcode(s string) (Opcode, bool) {
	op, ok := nameToOpcode[s]
	return op, ok
}

// defaultCosts holds the cycle cost per class; MUL/DIV override below.
var classCosts = [ClassInvalid + 1]uint32{
	ClassCompute: 1,
	ClassMemory:  3,
	ClassBranch:  1,
	ClassSync:    2,
	ClassSystem:  5,
	ClassSpecial: 1,
	ClassInvalid: 1,
}

// DefaultCost returns the simulated cycle cost of the opcode.
func (op Opcode) DefaultCost() uint32 {
	switch op {
	case MUL:
		return 3
	case DIV:
		return 8
	}
	return classCosts[op.Class()]
}
