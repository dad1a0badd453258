package security

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

const (
	tCodeBase   = 0x1000
	tDataBase   = 0x4000
	tKernelBase = 0x6000
)

func secProgram(code []types.Instruction) *types.Program {
	return &types.Program{
		Name: "security-test",
		Code: code,
		Segments: []types.SegmentDesc{
			{Name: "code", Base: tCodeBase, Length: 0x1000, Perm: types.PermRead | types.PermExecute},
			{Name: "data", Base: tDataBase, Length: 0x1000, Perm: types.PermRead | types.PermWrite},
			{Name: "kernel_data", Base: tKernelBase, Length: 0x1000, Perm: types.PermRead},
			{Name: "stack", Base: 0x8000, Length: 0x4000, Perm: types.PermRead | types.PermWrite},
		},
	}
}

func launch(t *testing.T, cfg ProtectConfig, code []types.Instruction, kernel bool) (*vm.VM, *Suite) {
	t.Helper()
	m := vm.NewVM(vm.Config{})
	suite, err := Install(m, cfg)
	require.NoError(t, err)
	require.NoError(t, m.LoadProgram(secProgram(code)))
	id, err := m.CreateThread(0, 0)
	require.NoError(t, err)
	if kernel {
		th, _ := m.Thread(id)
		suite.Gate.Elevate(th)
	}
	require.NoError(t, m.Run(vm.RunOptions{Seed: 3, MaxCycles: 10_000}))
	return m, suite
}

func TestASLROffsets(t *testing.T) {
	mp := NewMemoryProtector(AllProtections())

	t.Run("deterministic per name and seed", func(t *testing.T) {
		assert.Equal(t, mp.SegmentOffset("code", 42), mp.SegmentOffset("code", 42))
	})

	t.Run("aligned and bounded", func(t *testing.T) {
		for seed := int64(1); seed <= 16; seed++ {
			for _, name := range []string{"code", "data", "stack"} {
				off := mp.SegmentOffset(name, seed)
				assert.Zero(t, off&0xF, "offset %#x not 16-byte aligned", off)
				assert.Less(t, off, DefaultASLRWindow)
			}
		}
	})

	t.Run("varies across seeds", func(t *testing.T) {
		seen := map[uint64]bool{}
		for seed := int64(1); seed <= 8; seed++ {
			seen[mp.SegmentOffset("stack", seed)] = true
		}
		assert.Greater(t, len(seen), 1)
	})

	t.Run("disabled means zero", func(t *testing.T) {
		off := NewMemoryProtector(ProtectConfig{}).SegmentOffset("code", 42)
		assert.Zero(t, off)
	})
}

func TestASLRLayoutAcrossSeeds(t *testing.T) {
	code := []types.Instruction{
		{Op: types.MOVI, Rd: 1, Imm: 1},
		{Op: types.HALT},
	}
	for seed := int64(0); seed < 16; seed++ {
		m := vm.NewVM(vm.Config{})
		_, err := Install(m, AllProtections())
		require.NoError(t, err)
		require.NoError(t, m.LoadProgram(secProgram(code)))
		_, err = m.CreateThread(0, 0)
		require.NoError(t, err)
		require.NoError(t, m.Run(vm.RunOptions{Seed: seed, MaxCycles: 10_000}), "seed %d", seed)
		assert.Equal(t, types.MachineFinished, m.State(), "seed %d", seed)
	}
}

func TestSyscallWrite(t *testing.T) {
	m, _ := launch(t, ProtectConfig{}, []types.Instruction{
		{Op: types.MOVI, Rd: 0, Imm: 42},
		{Op: types.SYSCALL, Imm: SysWrite},
		{Op: types.HALT},
	}, false)

	assert.Equal(t, types.MachineFinished, m.State())
	assert.Equal(t, []uint64{42}, m.Outputs())
	th, _ := m.Thread(0)
	assert.Equal(t, uint64(42), th.Regs[0])
	// the handler ran at KERNEL but the thread came back to USER
	assert.Equal(t, types.PrivUser, th.Priv)
	assert.NotEmpty(t, m.Trace().Filter(trace.KindSyscall, -1))
}

func TestSyscallGetID(t *testing.T) {
	m, _ := launch(t, ProtectConfig{}, []types.Instruction{
		{Op: types.SYSCALL, Imm: SysGetID},
		{Op: types.HALT},
	}, false)
	th, _ := m.Thread(0)
	assert.Equal(t, uint64(th.ID), th.Regs[0])
}

func TestSyscallExitStopsThread(t *testing.T) {
	m, _ := launch(t, ProtectConfig{}, []types.Instruction{
		{Op: types.SYSCALL, Imm: SysExit},
		{Op: types.MOVI, Rd: 2, Imm: 99}, // unreachable
		{Op: types.HALT},
	}, false)

	assert.Equal(t, types.MachineFinished, m.State())
	th, _ := m.Thread(0)
	assert.Equal(t, types.ThreadTerminated, th.State)
	assert.False(t, th.AbnormalExit)
	assert.Zero(t, th.Regs[2])
}

func TestUnknownSyscallFaults(t *testing.T) {
	m, suite := launch(t, ProtectConfig{}, []types.Instruction{
		{Op: types.SYSCALL, Imm: 99},
		{Op: types.HALT},
	}, false)

	th, _ := m.Thread(0)
	assert.True(t, th.AbnormalExit)

	findings := suite.Gate.SecurityFindings()
	require.NotEmpty(t, findings)
	assert.Equal(t, "privilege", findings[0].Kind)
	assert.True(t, findings[0].Blocked)

	faults := m.Trace().Filter(trace.KindFault, -1)
	require.NotEmpty(t, faults)
	assert.Contains(t, faults[0].Detail, "BadSyscall")
}

func TestKernelSegmentGate(t *testing.T) {
	code := []types.Instruction{
		{Op: types.MOVI, Rd: 1, Imm: tKernelBase},
		{Op: types.LOAD, Rd: 2, Ra: 1},
		{Op: types.HALT},
	}

	t.Run("denied at USER", func(t *testing.T) {
		m, suite := launch(t, ProtectConfig{}, code, false)
		th, _ := m.Thread(0)
		assert.True(t, th.AbnormalExit)
		require.NotEmpty(t, suite.Gate.SecurityFindings())

		faults := m.Trace().Filter(trace.KindFault, -1)
		require.NotEmpty(t, faults)
		assert.Contains(t, faults[0].Detail, "PrivilegeFault")
	})

	t.Run("allowed at KERNEL", func(t *testing.T) {
		m, suite := launch(t, ProtectConfig{}, code, true)
		th, _ := m.Thread(0)
		assert.False(t, th.AbnormalExit)
		assert.Empty(t, suite.Gate.SecurityFindings())
	})
}

func TestCanaryDetectsCorruption(t *testing.T) {
	// the callee scribbles over its own canary slot before returning
	code := []types.Instruction{
		{Op: types.CALL, Imm: 2},
		{Op: types.HALT},
		{Op: types.MOVI, Rd: 2, Imm: 0xBAD},
		{Op: types.STORE, Rd: 2, Ra: types.SPReg},
		{Op: types.RET},
	}
	m, suite := launch(t, ProtectConfig{Canary: true}, code, false)

	th, _ := m.Thread(0)
	assert.True(t, th.AbnormalExit)

	findings := suite.Protector.SecurityFindings()
	require.NotEmpty(t, findings)
	assert.Equal(t, "canary", findings[0].Kind)

	faults := m.Trace().Filter(trace.KindFault, -1)
	require.NotEmpty(t, faults)
	assert.Contains(t, faults[0].Detail, "StackCorruptionFault")
}

func TestShadowStackBalancedCalls(t *testing.T) {
	code := []types.Instruction{
		{Op: types.CALL, Imm: 2},
		{Op: types.HALT},
		{Op: types.CALL, Imm: 4},
		{Op: types.RET},
		{Op: types.MOVI, Rd: 1, Imm: 5},
		{Op: types.RET},
	}
	m, suite := launch(t, AllProtections(), code, false)

	assert.Equal(t, types.MachineFinished, m.State())
	th, _ := m.Thread(0)
	assert.False(t, th.AbnormalExit)
	assert.Equal(t, uint64(5), th.Regs[1])
	assert.Zero(t, suite.Monitor.Depth(th.ID))
	assert.Empty(t, m.SecurityReport().Findings)
}

func TestAttackMatrix(t *testing.T) {
	as := NewAttackSimulator(11)
	results, err := as.RunAll()
	require.NoError(t, err)
	require.Len(t, results, 8)

	for _, r := range results {
		label := fmt.Sprintf("%s protected=%v", r.Scenario, r.Protected)
		if r.Protected {
			assert.True(t, r.Detected, "%s: mitigation did not fire", label)
			assert.False(t, r.Succeeded, "%s: flag was planted anyway", label)
		} else {
			assert.True(t, r.Succeeded, "%s: attack should land", label)
			assert.False(t, r.Detected, "%s: nothing should block it", label)
		}
	}
}

func TestAttackRunUnknownScenario(t *testing.T) {
	_, err := NewAttackSimulator(1).Run("tea-pot", true)
	assert.Error(t, err)
}

func TestSyscallNumbers(t *testing.T) {
	pm := NewPrivilegeManager()
	assert.Equal(t, []uint64{SysWrite, SysExit, SysYield, SysGetID}, pm.Numbers())

	pm.RegisterSyscall(40, func(m *vm.VM, t *vm.Thread, args [4]uint64) (uint64, error) {
		return args[0] + args[1], nil
	})
	assert.Contains(t, pm.Numbers(), uint64(40))
}
