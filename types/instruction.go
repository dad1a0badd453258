package types

import (
	"encoding/binary"
	"fmt"
)

// NumRegs is the register file width. r15 doubles as the stack pointer.
const NumRegs = 16

// SPReg is the register index used as the stack pointer by CALL/RET.
const SPReg = 15

// InstrWidth is the number of address units one encoded instruction
// occupies in the code segment.
const InstrWidth = 16

// Instruction is the static form of one operation: opcode, register
// operands, immediate, and simulated cycle cost. Immutable once built.
type Instruction struct {
	Op   Opcode `json:"op"`
	Rd   uint8  `json:"rd,omitempty"`
	Ra   uint8  `json:"ra,omitempty"`
	Rb   uint8  `json:"rb,omitempty"`
	Imm  uint64 `json:"imm,omitempty"`
	Cost uint32 `json:"cost,omitempty"` // 0 means DefaultCost of the opcode
}

// CycleCost returns the effective cost.
func (in Instruction) CycleCost() uint32 {
	if in.Cost != 0 {
		return in.Cost
	}
	return in.Op.DefaultCost()
}

func (in Instruction) String() string {
	switch in.Op.Class() {
	case ClassCompute:
		if in.Op == MOVI {
			return fmt.Sprintf("%s r%d, %d", in.Op, in.Rd, in.Imm)
		}
		if in.Op == ADDI {
			return fmt.Sprintf("%s r%d, r%d, %d", in.Op, in.Rd, in.Ra, in.Imm)
		}
		return fmt.Sprintf("%s r%d, r%d, r%d", in.Op, in.Rd, in.Ra, in.Rb)
	case ClassMemory:
		return fmt.Sprintf("%s r%d, [r%d+%d]", in.Op, in.Rd, in.Ra, in.Imm)
	case ClassBranch:
		if in.Op == RET {
			return "RET"
		}
		return fmt.Sprintf("%s @%d", in.Op, in.Imm)
	case ClassSync, ClassSystem:
		return fmt.Sprintf("%s %d", in.Op, in.Imm)
	default:
		return in.Op.String()
	}
}

// Encode packs the instruction into its 16-byte code-segment form:
// op, rd, ra, rb, cost (u32), imm (u64), little endian.
func (in Instruction) Encode(dst []byte) {
	_ = dst[InstrWidth-1]
	dst[0] = byte(in.Op)
	dst[1] = in.Rd
	dst[2] = in.Ra
	dst[3] = in.Rb
	binary.LittleEndian.PutUint32(dst[4:8], in.Cost)
	binary.LittleEndian.PutUint64(dst[8:16], in.Imm)
}

// DecodeInstruction is the inverse of Encode.
func DecodeInstruction(src []byte) Instruction {
	_ = src[InstrWidth-1]
	return Instruction{
		Op:   Opcode(src[0]),
		Rd:   src[1],
		Ra:   src[2],
		Rb:   src[3],
		Cost: binary.LittleEndian.Uint32(src[4:8]),
		Imm:  binary.LittleEndian.Uint64(src[8:16]),
	}
}
