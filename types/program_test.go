package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeClasses(t *testing.T) {
	testCases := []struct {
		op    Opcode
		class InstrClass
	}{
		{ADD, ClassCompute},
		{ADDI, ClassCompute},
		{LOAD, ClassMemory},
		{CAS, ClassMemory},
		{JMP, ClassBranch},
		{RET, ClassBranch},
		{LOCKACQ, ClassSync},
		{BARWAIT, ClassSync},
		{SYSCALL, ClassSystem},
		{OUT, ClassSystem},
		{NOP, ClassSpecial},
		{HALT, ClassSpecial},
		{Opcode(0xff), ClassInvalid},
		{Opcode(0x30), ClassInvalid},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.class, tc.op.Class(), "opcode %s", tc.op)
	}
}

func TestOpcodePrivilege(t *testing.T) {
	assert.True(t, OUT.Privileged())
	assert.True(t, SYSRET.Privileged())
	assert.False(t, SYSCALL.Privileged())
	assert.False(t, ADD.Privileged())
}

func TestOpcodeCosts(t *testing.T) {
	assert.Equal(t, uint32(1), ADD.DefaultCost())
	assert.Equal(t, uint32(3), MUL.DefaultCost())
	assert.Equal(t, uint32(8), DIV.DefaultCost())
	assert.Equal(t, uint32(3), LOAD.DefaultCost())
	assert.Equal(t, uint32(5), SYSCALL.DefaultCost())
	assert.Equal(t, uint32(2), LOCKACQ.DefaultCost())
}

func TestParseOpcode(t *testing.T) {
	op, ok := ParseOpcode("LOCKACQ")
	require.True(t, ok)
	assert.Equal(t, LOCKACQ, op)
	_, ok = ParseOpcode("FROB")
	assert.False(t, ok)
}

func TestInstructionEncodeDecode(t *testing.T) {
	in := Instruction{Op: STORE, Rd: 3, Ra: 15, Rb: 7, Imm: 0xDEADBEEFCAFE, Cost: 9}
	buf := make([]byte, InstrWidth)
	in.Encode(buf)
	out := DecodeInstruction(buf)
	assert.Equal(t, in, out)
	assert.Equal(t, uint32(9), out.CycleCost())

	// Zero cost falls back to the opcode default.
	in.Cost = 0
	assert.Equal(t, STORE.DefaultCost(), in.CycleCost())
}

func validProgram() *Program {
	return &Program{
		Name: "p",
		Code: []Instruction{
			{Op: MOVI, Rd: 1, Imm: 7},
			{Op: HALT},
		},
		Segments: []SegmentDesc{
			{Name: "code", Base: 0x1000, Length: 0x1000, Perm: PermRead | PermExecute},
			{Name: "data", Base: 0x4000, Length: 0x1000, Perm: PermRead | PermWrite},
			{Name: "stack", Base: 0x8000, Length: 0x2000, Perm: PermRead | PermWrite},
		},
	}
}

func TestProgramValidate(t *testing.T) {
	require.NoError(t, validProgram().Validate())

	t.Run("overlap", func(t *testing.T) {
		p := validProgram()
		p.Segments[1].Base = 0x1800
		assert.Error(t, p.Validate())
	})

	t.Run("code does not fit", func(t *testing.T) {
		p := validProgram()
		p.Segments[0].Length = InstrWidth // room for one instruction, program has two
		assert.Error(t, p.Validate())
	})

	t.Run("no executable segment", func(t *testing.T) {
		p := validProgram()
		p.Segments[0].Perm = PermRead
		assert.Error(t, p.Validate())
	})
}

func TestParsePerm(t *testing.T) {
	p, err := ParsePerm("rwx")
	require.NoError(t, err)
	assert.True(t, p.Has(PermRead))
	assert.True(t, p.Has(PermWrite))
	assert.True(t, p.Has(PermExecute))
	assert.Equal(t, "rwx", p.String())

	p, err = ParsePerm("r")
	require.NoError(t, err)
	assert.False(t, p.Has(PermWrite))

	_, err = ParsePerm("q")
	assert.Error(t, err)
}

func TestParseProgram(t *testing.T) {
	desc := `{
		"name": "counter",
		"entry": 0,
		"segments": [
			{"name": "code", "base": 4096, "length": 4096, "perm": "rx"},
			{"name": "data", "base": 16384, "length": 4096, "perm": "rw"},
			{"name": "stack", "base": 32768, "length": 8192, "perm": "rw"}
		],
		"code": [
			{"op": "MOVI", "rd": 1, "imm": 41},
			{"op": "ADDI", "rd": 1, "ra": 1, "imm": 1},
			{"op": "HALT"}
		]
	}`
	p, err := ParseProgram([]byte(desc))
	require.NoError(t, err)
	require.Len(t, p.Code, 3)
	assert.Equal(t, MOVI, p.Code[0].Op)
	assert.Equal(t, uint64(41), p.Code[0].Imm)
	assert.Equal(t, ADDI, p.Code[1].Op)
	assert.Equal(t, "counter", p.Name)
	require.NoError(t, p.Validate())
}

func TestParseProgramBadMnemonic(t *testing.T) {
	_, err := ParseProgram([]byte(`{"name":"x","segments":[],"code":[{"op":"NOPE"}]}`))
	assert.Error(t, err)
}
