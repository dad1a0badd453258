package types

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// PermSet is a segment permission bit set.
type PermSet uint8

const (
	PermRead PermSet = 1 << iota
	PermWrite
	PermExecute
)

func (p PermSet) Has(req PermSet) bool { return p&req == req }

func (p PermSet) String() string {
	b := []byte("---")
	if p.Has(PermRead) {
		b[0] = 'r'
	}
	if p.Has(PermWrite) {
		b[1] = 'w'
	}
	if p.Has(PermExecute) {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerm parses "rwx"-style permission strings.
func ParsePerm(s string) (PermSet, error) {
	var p PermSet
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExecute
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission char %q in %q", c, s)
		}
	}
	return p, nil
}

func (p PermSet) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *PermSet) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePerm(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// SegmentDesc describes one segment of the address space.
type SegmentDesc struct {
	Name   string  `json:"name"`
	Base   uint64  `json:"base"`
	Length uint64  `json:"length"`
	Perm   PermSet `json:"perm"`
}

// Contains reports whether [addr, addr+n) lies fully inside the segment.
func (s SegmentDesc) Contains(addr uint64, n uint32) bool {
	return addr >= s.Base && addr+uint64(n) <= s.Base+s.Length && addr+uint64(n) >= addr
}

// Program is a pre-assembled instruction stream plus static data and the
// segment metadata it expects. The machine owns it exclusively after load.
type Program struct {
	Name     string        `json:"name"`
	Code     []Instruction `json:"code"`
	Data     []byte        `json:"data,omitempty"`
	Segments []SegmentDesc `json:"segments"`
	Entry    uint64        `json:"entry"` // instruction index into Code
}

// Validate checks segment consistency: non-overlapping, non-empty, and the
// presence of one executable code segment large enough for the instruction
// stream.
func (p *Program) Validate() error {
	if len(p.Code) == 0 {
		return fmt.Errorf("program %q has no code", p.Name)
	}
	if p.Entry >= uint64(len(p.Code)) {
		return fmt.Errorf("program %q entry %d outside code (%d instructions)", p.Name, p.Entry, len(p.Code))
	}
	segs := make([]SegmentDesc, len(p.Segments))
	copy(segs, p.Segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Base < segs[j].Base })
	var code *SegmentDesc
	for i := range segs {
		if segs[i].Length == 0 {
			return fmt.Errorf("segment %q is empty", segs[i].Name)
		}
		if i > 0 && segs[i].Base < segs[i-1].Base+segs[i-1].Length {
			return fmt.Errorf("segments %q and %q overlap", segs[i-1].Name, segs[i].Name)
		}
		if segs[i].Perm.Has(PermExecute) && code == nil {
			code = &segs[i]
		}
	}
	if code == nil {
		return fmt.Errorf("program %q has no executable segment", p.Name)
	}
	if need := uint64(len(p.Code)) * InstrWidth; code.Length < need {
		return fmt.Errorf("code segment %q too small: %d < %d", code.Name, code.Length, need)
	}
	return nil
}

// CodeSegment returns the first executable segment.
func (p *Program) CodeSegment() SegmentDesc {
	for _, s := range p.Segments {
		if s.Perm.Has(PermExecute) {
			return s
		}
	}
	return SegmentDesc{}
}

// programDesc is the on-disk JSON form, with mnemonics instead of raw
// opcode bytes.
type programDesc struct {
	Name     string        `json:"name"`
	Code     []instrDesc   `json:"code"`
	Data     []byte        `json:"data,omitempty"`
	Segments []SegmentDesc `json:"segments"`
	Entry    uint64        `json:"entry"`
}

type instrDesc struct {
	Op   string `json:"op"`
	Rd   uint8  `json:"rd,omitempty"`
	Ra   uint8  `json:"ra,omitempty"`
	Rb   uint8  `json:"rb,omitempty"`
	Imm  uint64 `json:"imm,omitempty"`
	Cost uint32 `json:"cost,omitempty"`
}

// ReadProgram loads a program descriptor from a JSON file.
func ReadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProgram(data)
}

// ParseProgram decodes a JSON program descriptor and validates it.
func ParseProgram(data []byte) (*Program, error) {
	var desc programDesc
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, err
	}
	p := &Program{
		Name:     desc.Name,
		Data:     desc.Data,
		Segments: desc.Segments,
		Entry:    desc.Entry,
	}
	for i, id := range desc.Code {
		op, ok := ParseOpcode(id.Op)
		if !ok {
			return nil, fmt.Errorf("instruction %d: unknown mnemonic %q", i, id.Op)
		}
		p.Code = append(p.Code, Instruction{
			Op: op, Rd: id.Rd, Ra: id.Ra, Rb: id.Rb, Imm: id.Imm, Cost: id.Cost,
		})
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
