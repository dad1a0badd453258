package vm

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/uvmerrors"
)

// MemorySystem is the byte-addressable store shared by every thread of one
// machine. Segments partition the address space; every access is validated
// against its segment's permissions and appended to the access log.
type MemorySystem struct {
	mem      []byte
	segments []types.SegmentDesc // sorted by base
	events   []types.AccessEvent

	// protectors are consulted in registration order before the raw
	// permission check and may veto (DEP, kernel-only segments).
	protectors []AccessChecker
}

func NewMemorySystem(size uint64) *MemorySystem {
	return &MemorySystem{mem: make([]byte, size)}
}

// Size returns the backing store size.
func (ms *MemorySystem) Size() uint64 { return uint64(len(ms.mem)) }

// AddProtector installs an access veto hook. Hooks run in the order
// they were added.
func (ms *MemorySystem) AddProtector(p AccessChecker) { ms.protectors = append(ms.protectors, p) }

// AddSegment registers a segment. Segments must not overlap and must lie
// within the backing store.
func (ms *MemorySystem) AddSegment(seg types.SegmentDesc) error {
	if seg.Length == 0 {
		return fmt.Errorf("segment %q is empty", seg.Name)
	}
	if seg.Base+seg.Length > uint64(len(ms.mem)) || seg.Base+seg.Length < seg.Base {
		return fmt.Errorf("segment %q [%#x,%#x) outside memory of %d bytes",
			seg.Name, seg.Base, seg.Base+seg.Length, len(ms.mem))
	}
	for _, s := range ms.segments {
		if seg.Base < s.Base+s.Length && s.Base < seg.Base+seg.Length {
			return fmt.Errorf("segment %q overlaps %q", seg.Name, s.Name)
		}
	}
	ms.segments = append(ms.segments, seg)
	sort.Slice(ms.segments, func(i, j int) bool { return ms.segments[i].Base < ms.segments[j].Base })
	log.Debug(log.MemoryMonitoring, "segment mapped", "name", seg.Name,
		"base", seg.Base, "len", seg.Length, "perm", seg.Perm.String())
	return nil
}

// Segments returns a copy of the segment table.
func (ms *MemorySystem) Segments() []types.SegmentDesc {
	out := make([]types.SegmentDesc, len(ms.segments))
	copy(out, ms.segments)
	return out
}

// FindSegment returns the segment containing [addr, addr+n).
func (ms *MemorySystem) FindSegment(addr uint64, n uint32) (types.SegmentDesc, bool) {
	for _, s := range ms.segments {
		if s.Contains(addr, n) {
			return s, true
		}
	}
	return types.SegmentDesc{}, false
}

func permFor(kind types.AccessKind) types.PermSet {
	switch kind {
	case types.AccessRead:
		return types.PermRead
	case types.AccessWrite:
		return types.PermWrite
	case types.AccessRMW:
		return types.PermRead | types.PermWrite
	case types.AccessExec:
		return types.PermExecute
	}
	return 0
}

// check validates the access and appends it to the log. Registered
// protectors run before the raw permission check and may veto.
func (ms *MemorySystem) check(ev types.AccessEvent) error {
	seg, ok := ms.FindSegment(ev.Addr, ev.Len)
	if !ok {
		if _, mapped := ms.FindSegment(ev.Addr, 1); !mapped {
			return &uvmerrors.Fault{
				Err: uvmerrors.ErrUnmappedAddress, ThreadID: ev.ThreadID,
				Addr: ev.Addr, Cycle: ev.Cycle,
				Detail: fmt.Sprintf("no segment maps %#x", ev.Addr),
			}
		}
		return &uvmerrors.Fault{
			Err: uvmerrors.ErrSegmentationFault, ThreadID: ev.ThreadID,
			Addr: ev.Addr, Cycle: ev.Cycle,
			Detail: fmt.Sprintf("range [%#x,%#x) crosses a segment end", ev.Addr, ev.Addr+uint64(ev.Len)),
		}
	}
	for _, p := range ms.protectors {
		if err := p.CheckAccess(ev, seg); err != nil {
			return err
		}
	}
	if !seg.Perm.Has(permFor(ev.Kind)) {
		return &uvmerrors.Fault{
			Err: uvmerrors.ErrSegmentationFault, ThreadID: ev.ThreadID,
			Addr: ev.Addr, Cycle: ev.Cycle,
			Detail: fmt.Sprintf("%s on segment %q (%s)", ev.Kind, seg.Name, seg.Perm),
		}
	}
	ms.events = append(ms.events, ev)
	return nil
}

// Read returns n bytes at addr.
func (ms *MemorySystem) Read(cycle uint64, tid uint32, addr uint64, n uint32) ([]byte, error) {
	ev := types.AccessEvent{Cycle: cycle, ThreadID: tid, Addr: addr, Len: n, Kind: types.AccessRead}
	if err := ms.check(ev); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, ms.mem[addr:addr+uint64(n)])
	return out, nil
}

// Write stores data at addr.
func (ms *MemorySystem) Write(cycle uint64, tid uint32, addr uint64, data []byte) error {
	ev := types.AccessEvent{Cycle: cycle, ThreadID: tid, Addr: addr, Len: uint32(len(data)), Kind: types.AccessWrite}
	if err := ms.check(ev); err != nil {
		return err
	}
	copy(ms.mem[addr:], data)
	return nil
}

// ReadU64 reads one little-endian 64-bit word.
func (ms *MemorySystem) ReadU64(cycle uint64, tid uint32, addr uint64) (uint64, error) {
	b, err := ms.Read(cycle, tid, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteU64 stores one little-endian 64-bit word.
func (ms *MemorySystem) WriteU64(cycle uint64, tid uint32, addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return ms.Write(cycle, tid, addr, b[:])
}

// CompareAndSwap atomically replaces the word at addr with new if it equals
// old. It is logged as a single read-modify-write access.
func (ms *MemorySystem) CompareAndSwap(cycle uint64, tid uint32, addr uint64, old, new uint64) (bool, error) {
	ev := types.AccessEvent{Cycle: cycle, ThreadID: tid, Addr: addr, Len: 8, Kind: types.AccessRMW}
	if err := ms.check(ev); err != nil {
		return false, err
	}
	cur := binary.LittleEndian.Uint64(ms.mem[addr : addr+8])
	if cur != old {
		return false, nil
	}
	binary.LittleEndian.PutUint64(ms.mem[addr:addr+8], new)
	return true, nil
}

// Fetch reads one encoded instruction; requires EXECUTE permission.
func (ms *MemorySystem) Fetch(cycle uint64, tid uint32, addr uint64) ([]byte, error) {
	ev := types.AccessEvent{Cycle: cycle, ThreadID: tid, Addr: addr, Len: types.InstrWidth, Kind: types.AccessExec}
	if err := ms.check(ev); err != nil {
		return nil, err
	}
	return ms.mem[addr : addr+types.InstrWidth], nil
}

// WriteRaw bypasses permission checks and logging. Used by the loader and
// by attack scenarios that model an out-of-band corruption.
func (ms *MemorySystem) WriteRaw(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(ms.mem)) {
		return fmt.Errorf("raw write [%#x,%#x) outside memory", addr, addr+uint64(len(data)))
	}
	copy(ms.mem[addr:], data)
	return nil
}

// ReadRaw bypasses permission checks and logging, for inspection tooling.
func (ms *MemorySystem) ReadRaw(addr uint64, n uint32) ([]byte, error) {
	if addr+uint64(n) > uint64(len(ms.mem)) {
		return nil, fmt.Errorf("raw read [%#x,%#x) outside memory", addr, addr+uint64(n))
	}
	out := make([]byte, n)
	copy(out, ms.mem[addr:])
	return out, nil
}

// Events returns the access log.
func (ms *MemorySystem) Events() []types.AccessEvent { return ms.events }

// EventsSince returns accesses appended at or after index i, plus the next
// index to resume from.
func (ms *MemorySystem) EventsSince(i int) ([]types.AccessEvent, int) {
	if i >= len(ms.events) {
		return nil, len(ms.events)
	}
	return ms.events[i:], len(ms.events)
}
