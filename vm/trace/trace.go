package trace

import (
	"sync"

	"github.com/colorfulnotion/uvm/types"
)

// EventKind tags one trace record. Both extension families write to the
// same log so a single export feeds external analysis tooling.
type EventKind string

const (
	KindInstruction   EventKind = "instruction"
	KindContextSwitch EventKind = "context_switch"
	KindFault         EventKind = "fault"
	KindSync          EventKind = "sync"
	KindRace          EventKind = "race"
	KindCoherence     EventKind = "coherence"
	KindSecurity      EventKind = "security"
	KindSyscall       EventKind = "syscall"
	KindOutput        EventKind = "output"
	KindThread        EventKind = "thread"
	KindMachine       EventKind = "machine"
)

// MemoryDelta is one memory cell change caused by an instruction.
type MemoryDelta struct {
	Addr  uint64 `json:"addr"`
	Bytes []byte `json:"bytes"`
}

// Event is one record of the append-only execution trace:
// (cycle, thread, event kind, payload).
type Event struct {
	Seq       uint64                 `json:"seq"`
	Cycle     uint64                 `json:"cycle"`
	ThreadID  uint32                 `json:"threadId"`
	PC        uint64                 `json:"pc,omitempty"`
	Kind      EventKind              `json:"kind"`
	Opcode    string                 `json:"opcode,omitempty"`
	Registers *[types.NumRegs]uint64 `json:"registers,omitempty"`
	Deltas    []MemoryDelta          `json:"memoryDeltas,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

// SetRegisters stores a copy of the register file on the event.
func (e *Event) SetRegisters(regs *[types.NumRegs]uint64) {
	copied := *regs
	e.Registers = &copied
}

// Sink receives events as they are appended, e.g. a live websocket stream.
type Sink interface {
	OnEvent(Event)
}

// Trace is the append-only ordered event log of one machine.
type Trace struct {
	mu      sync.Mutex
	events  []Event
	sinks   []Sink
	nextSeq uint64
}

func New() *Trace {
	return &Trace{}
}

// Append stamps the event with the next sequence number and records it.
func (t *Trace) Append(ev Event) {
	t.mu.Lock()
	ev.Seq = t.nextSeq
	t.nextSeq++
	t.events = append(t.events, ev)
	sinks := t.sinks
	t.mu.Unlock()
	for _, s := range sinks {
		s.OnEvent(ev)
	}
}

// AddSink registers a live consumer. Sinks see events appended after
// registration.
func (t *Trace) AddSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Len returns the number of recorded events.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Events returns a copy of the whole log.
func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventsSince returns a copy of events with Seq >= seq.
func (t *Trace) EventsSince(seq uint64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.events {
		if t.events[i].Seq >= seq {
			out := make([]Event, len(t.events)-i)
			copy(out, t.events[i:])
			return out
		}
	}
	return nil
}

// Filter returns a copy of events matching the kind (all threads) or,
// with tid >= 0, a single thread.
func (t *Trace) Filter(kind EventKind, tid int64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, ev := range t.events {
		if kind != "" && ev.Kind != kind {
			continue
		}
		if tid >= 0 && int64(ev.ThreadID) != tid {
			continue
		}
		out = append(out, ev)
	}
	return out
}
