package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
)

func testMemory(t *testing.T) *MemorySystem {
	t.Helper()
	ms := NewMemorySystem(1 << 16)
	require.NoError(t, ms.AddSegment(types.SegmentDesc{
		Name: "code", Base: 0x1000, Length: 0x1000, Perm: types.PermRead | types.PermExecute,
	}))
	require.NoError(t, ms.AddSegment(types.SegmentDesc{
		Name: "data", Base: 0x4000, Length: 0x1000, Perm: types.PermRead | types.PermWrite,
	}))
	return ms
}

func TestSegmentRegistration(t *testing.T) {
	ms := testMemory(t)

	t.Run("overlap rejected", func(t *testing.T) {
		err := ms.AddSegment(types.SegmentDesc{Name: "x", Base: 0x1800, Length: 0x1000, Perm: types.PermRead})
		assert.Error(t, err)
	})

	t.Run("outside backing store", func(t *testing.T) {
		err := ms.AddSegment(types.SegmentDesc{Name: "x", Base: 1 << 16, Length: 16, Perm: types.PermRead})
		assert.Error(t, err)
	})

	t.Run("empty segment", func(t *testing.T) {
		err := ms.AddSegment(types.SegmentDesc{Name: "x", Base: 0x9000, Length: 0, Perm: types.PermRead})
		assert.Error(t, err)
	})

	t.Run("table is sorted by base", func(t *testing.T) {
		segs := ms.Segments()
		require.Len(t, segs, 2)
		assert.Equal(t, "code", segs[0].Name)
		assert.Equal(t, "data", segs[1].Name)
	})
}

func TestReadWriteRoundTrip(t *testing.T) {
	ms := testMemory(t)
	require.NoError(t, ms.Write(1, 0, 0x4000, []byte{1, 2, 3, 4}))
	b, err := ms.Read(2, 0, 0x4000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
}

func TestU64LittleEndian(t *testing.T) {
	ms := testMemory(t)
	require.NoError(t, ms.WriteU64(1, 0, 0x4008, 0x0102030405060708))
	b, err := ms.Read(2, 0, 0x4008, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, b)

	v, err := ms.ReadU64(3, 0, 0x4008)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v)
}

func TestPermissionEnforcement(t *testing.T) {
	ms := testMemory(t)

	t.Run("write to read-execute segment", func(t *testing.T) {
		err := ms.Write(1, 0, 0x1000, []byte{0xff})
		assert.ErrorIs(t, err, uvmerrors.ErrSegmentationFault)
	})

	t.Run("fetch from non-executable segment", func(t *testing.T) {
		_, err := ms.Fetch(1, 0, 0x4000)
		assert.ErrorIs(t, err, uvmerrors.ErrSegmentationFault)
	})

	t.Run("fetch from executable segment", func(t *testing.T) {
		b, err := ms.Fetch(1, 0, 0x1000)
		require.NoError(t, err)
		assert.Len(t, b, types.InstrWidth)
	})

	t.Run("unmapped address", func(t *testing.T) {
		_, err := ms.Read(1, 0, 0x9000, 8)
		assert.ErrorIs(t, err, uvmerrors.ErrUnmappedAddress)
	})

	t.Run("access straddling a segment end", func(t *testing.T) {
		_, err := ms.Read(1, 0, 0x4ffc, 8)
		assert.ErrorIs(t, err, uvmerrors.ErrSegmentationFault)
	})
}

func TestCompareAndSwapAtomicity(t *testing.T) {
	ms := testMemory(t)
	require.NoError(t, ms.WriteU64(1, 0, 0x4000, 10))

	swapped, err := ms.CompareAndSwap(2, 0, 0x4000, 10, 20)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = ms.CompareAndSwap(3, 0, 0x4000, 10, 30)
	require.NoError(t, err)
	assert.False(t, swapped)

	v, err := ms.ReadU64(4, 0, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v)

	// both attempts are logged as read-modify-write accesses
	var rmw int
	for _, ev := range ms.Events() {
		if ev.Kind == types.AccessRMW {
			rmw++
		}
	}
	assert.Equal(t, 2, rmw)
}

func TestRawAccessBypassesChecks(t *testing.T) {
	ms := testMemory(t)
	before := len(ms.Events())

	// raw writes land even in read-only segments and are not logged
	require.NoError(t, ms.WriteRaw(0x1000, []byte{0xaa, 0xbb}))
	b, err := ms.ReadRaw(0x1000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, b)
	assert.Len(t, ms.Events(), before)

	t.Run("bounds still apply", func(t *testing.T) {
		assert.Error(t, ms.WriteRaw(1<<16, []byte{1}))
		_, err := ms.ReadRaw(1<<16, 1)
		assert.Error(t, err)
	})
}

func TestAccessLogResume(t *testing.T) {
	ms := testMemory(t)
	require.NoError(t, ms.WriteU64(1, 0, 0x4000, 1))
	require.NoError(t, ms.WriteU64(2, 1, 0x4008, 2))

	evs, next := ms.EventsSince(0)
	require.Len(t, evs, 2)

	require.NoError(t, ms.WriteU64(3, 0, 0x4010, 3))
	evs, next = ms.EventsSince(next)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(0x4010), evs[0].Addr)

	evs, _ = ms.EventsSince(next)
	assert.Empty(t, evs)
}

// vetoWrites rejects every write into the named segment.
type vetoWrites struct{ segment string }

func (v vetoWrites) CheckAccess(ev types.AccessEvent, seg types.SegmentDesc) error {
	if seg.Name == v.segment && ev.Kind == types.AccessWrite {
		return fmt.Errorf("write to %q vetoed", seg.Name)
	}
	return nil
}

func TestProtectorVeto(t *testing.T) {
	ms := testMemory(t)
	ms.AddProtector(vetoWrites{segment: "data"})

	err := ms.Write(1, 0, 0x4000, []byte{1})
	assert.Error(t, err)

	// reads are untouched, and the veto runs before the raw permission check
	_, err = ms.Read(2, 0, 0x4000, 1)
	assert.NoError(t, err)
}
