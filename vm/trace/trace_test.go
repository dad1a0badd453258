package trace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []Event {
	return []Event{
		{Cycle: 0, ThreadID: 0, Kind: KindInstruction, PC: 0x1000, Opcode: "MOVI"},
		{Cycle: 0, ThreadID: 0, Kind: KindContextSwitch, Detail: "core 0: idle -> 0"},
		{Cycle: 1, ThreadID: 1, Kind: KindInstruction, PC: 0x1010, Opcode: "ADD"},
		{Cycle: 2, ThreadID: 0, Kind: KindFault, Detail: "boom"},
	}
}

func TestAppendStampsSequence(t *testing.T) {
	tr := New()
	for _, ev := range sampleEvents() {
		tr.Append(ev)
	}
	require.Equal(t, 4, tr.Len())
	evs := tr.Events()
	for i, ev := range evs {
		assert.Equal(t, uint64(i), ev.Seq)
	}

	since := tr.EventsSince(2)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(2), since[0].Seq)
}

func TestFilter(t *testing.T) {
	tr := New()
	for _, ev := range sampleEvents() {
		tr.Append(ev)
	}

	assert.Len(t, tr.Filter(KindInstruction, -1), 2)
	assert.Len(t, tr.Filter(KindInstruction, 1), 1)
	assert.Len(t, tr.Filter("", 0), 3)
	assert.Empty(t, tr.Filter(KindRace, -1))
}

type captureSink struct{ got []Event }

func (c *captureSink) OnEvent(ev Event) { c.got = append(c.got, ev) }

func TestSinkSeesLiveEvents(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindMachine})

	sink := &captureSink{}
	tr.AddSink(sink)
	tr.Append(Event{Kind: KindInstruction})
	tr.Append(Event{Kind: KindOutput})

	require.Len(t, sink.got, 2)
	assert.Equal(t, KindInstruction, sink.got[0].Kind)
	assert.Equal(t, uint64(1), sink.got[0].Seq)
}

func TestJSONLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	events := sampleEvents()
	regs := [16]uint64{1: 42, 15: 0xC000}
	events[0].SetRegisters(&regs)
	events[0].Deltas = []MemoryDelta{{Addr: 0x4000, Bytes: []byte{1, 0, 0, 0, 0, 0, 0, 0}}}

	require.NoError(t, w.WriteAll(events))
	require.NoError(t, w.Flush())

	back, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, back, len(events))
	assert.Equal(t, events[0].Opcode, back[0].Opcode)
	require.NotNil(t, back[0].Registers)
	assert.Equal(t, uint64(42), back[0].Registers[1])
	assert.Equal(t, events[0].Deltas, back[0].Deltas)
	assert.Equal(t, events[3].Detail, back[3].Detail)
}

func TestJSONLWriterClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	require.NoError(t, w.WriteEvent(Event{Kind: KindMachine}))
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteEvent(Event{}), ErrWriterClosed)
	assert.NoError(t, w.Close()) // idempotent
	assert.NotZero(t, buf.Len())
}

func TestCompare(t *testing.T) {
	a := sampleEvents()
	b := sampleEvents()
	same, _ := Compare(a, b)
	assert.True(t, same)

	b[2].Opcode = "SUB"
	same, diff := Compare(a, b)
	assert.False(t, same)
	assert.NotEmpty(t, diff)
}

func TestArchiveRoundTrip(t *testing.T) {
	a, err := OpenArchive("") // in-memory
	require.NoError(t, err)
	defer a.Close()

	events := sampleEvents()
	for i := range events {
		events[i].Seq = uint64(i)
	}
	require.NoError(t, a.SaveRun("run-1", events))
	require.NoError(t, a.SaveRun("run-2", events[:2]))

	back, err := a.LoadRun("run-1")
	require.NoError(t, err)
	require.Len(t, back, len(events))
	assert.Equal(t, events[3].Detail, back[3].Detail)

	// keys are per run
	back, err = a.LoadRun("run-2")
	require.NoError(t, err)
	assert.Len(t, back, 2)

	require.NoError(t, a.DeleteRun("run-1"))
	back, err = a.LoadRun("run-1")
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestArchiveOrdersBySeq(t *testing.T) {
	a, err := OpenArchive("")
	require.NoError(t, err)
	defer a.Close()

	// write out of order; the big-endian seq key restores the order
	require.NoError(t, a.SaveRun("r", []Event{{Seq: 300, Opcode: "C"}, {Seq: 2, Opcode: "A"}, {Seq: 40, Opcode: "B"}}))
	back, err := a.LoadRun("r")
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, "A", back[0].Opcode)
	assert.Equal(t, "B", back[1].Opcode)
	assert.Equal(t, "C", back[2].Opcode)
}
