package parallel

import (
	"fmt"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/trace"
)

// MESI line states.
type LineState uint8

const (
	Invalid LineState = iota
	Shared
	Exclusive
	Modified
)

func (s LineState) String() string {
	switch s {
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	}
	return "I"
}

const (
	lineShift = 6 // 64-byte lines
	cacheWays = 64

	missPenalty      = 10 // fill from memory or a remote Modified line
	upgradePenalty   = 2  // S->M broadcast invalidation
	writebackPenalty = 4  // flushing a remote Modified line
)

type cacheLine struct {
	state    LineState
	lastUsed uint64
}

type coreCache struct {
	lines map[uint64]*cacheLine
}

func (c *coreCache) line(tag uint64) *cacheLine {
	l, ok := c.lines[tag]
	if !ok {
		return nil
	}
	return l
}

// evict drops the least recently used line when the cache is full,
// lowest tag on ties so eviction order is deterministic.
func (c *coreCache) evict() {
	var victim uint64
	var oldest uint64 = ^uint64(0)
	first := true
	for tag, l := range c.lines {
		if first || l.lastUsed < oldest || (l.lastUsed == oldest && tag < victim) {
			victim, oldest, first = tag, l.lastUsed, false
		}
	}
	delete(c.lines, victim)
}

func (c *coreCache) install(tag uint64, state LineState, cycle uint64) {
	if len(c.lines) >= cacheWays {
		c.evict()
	}
	c.lines[tag] = &cacheLine{state: state, lastUsed: cycle}
}

// CacheStats are the controller's counters.
type CacheStats struct {
	Hits          uint64
	Misses        uint64
	Upgrades      uint64
	Invalidations uint64
	Writebacks    uint64
}

// CoherenceController models per-core caches kept coherent with the
// MESI protocol. It observes retired memory accesses, updates line
// states, and charges the timing cost of misses and invalidations
// back to the issuing core as stall ticks.
type CoherenceController struct {
	vm.NopExtension

	caches  []*coreCache
	nextIdx int
	stats   CacheStats
}

func NewCoherenceController(numCores int) *CoherenceController {
	cc := &CoherenceController{caches: make([]*coreCache, numCores)}
	for i := range cc.caches {
		cc.caches[i] = &coreCache{lines: make(map[uint64]*cacheLine)}
	}
	return cc
}

func (cc *CoherenceController) Name() string { return "mesi-coherence" }

// Stats returns a copy of the counters.
func (cc *CoherenceController) Stats() CacheStats { return cc.stats }

// Counters exposes the stats to the performance collector.
func (cc *CoherenceController) Counters() map[string]uint64 {
	return map[string]uint64{
		"cache_hits":          cc.stats.Hits,
		"cache_misses":        cc.stats.Misses,
		"cache_upgrades":      cc.stats.Upgrades,
		"cache_invalidations": cc.stats.Invalidations,
		"cache_writebacks":    cc.stats.Writebacks,
	}
}

// LineStates returns each core's state for the line holding addr.
func (cc *CoherenceController) LineStates(addr uint64) []LineState {
	tag := addr >> lineShift
	out := make([]LineState, len(cc.caches))
	for i, c := range cc.caches {
		if l := c.line(tag); l != nil {
			out[i] = l.state
		}
	}
	return out
}

// PostExecute drains retired accesses and runs the protocol for each.
func (cc *CoherenceController) PostExecute(m *vm.VM, t *vm.Thread, in types.Instruction) {
	events, next := m.Memory().EventsSince(cc.nextIdx)
	cc.nextIdx = next
	core := m.CoreIndexOf(t.ID)
	if core < 0 || core >= len(cc.caches) {
		return
	}
	for _, ev := range events {
		if ev.Kind == types.AccessExec || ev.ThreadID != t.ID {
			continue
		}
		write := ev.Kind == types.AccessWrite || ev.Kind == types.AccessRMW
		if penalty, transition := cc.access(core, ev.Addr, write, m.Cycle()); penalty > 0 || transition != "" {
			if penalty > 0 {
				m.AddStall(core, penalty)
			}
			if transition != "" {
				m.AppendEvent(trace.Event{
					Kind: trace.KindCoherence, ThreadID: t.ID,
					Detail: fmt.Sprintf("core %d line %#x: %s (+%d stall)", core, ev.Addr>>lineShift<<lineShift, transition, penalty),
				})
				log.Trace(log.CoherenceMonitoring, "mesi", "core", core,
					"line", fmt.Sprintf("%#x", ev.Addr>>lineShift), "transition", transition, "penalty", penalty)
			}
		}
	}
}

// access applies one MESI transaction and returns the stall penalty and
// a transition description (empty on a silent hit).
func (cc *CoherenceController) access(core int, addr uint64, write bool, cycle uint64) (uint32, string) {
	tag := addr >> lineShift
	local := cc.caches[core]
	l := local.line(tag)
	if l != nil {
		l.lastUsed = cycle
	}

	if !write {
		if l != nil && l.state != Invalid {
			cc.stats.Hits++
			return 0, ""
		}
		cc.stats.Misses++
		penalty := uint32(missPenalty)
		shared := false
		for i, remote := range cc.caches {
			if i == core {
				continue
			}
			if rl := remote.line(tag); rl != nil && rl.state != Invalid {
				if rl.state == Modified {
					cc.stats.Writebacks++
					penalty += writebackPenalty
				}
				rl.state = Shared
				shared = true
			}
		}
		state := Exclusive
		if shared {
			state = Shared
		}
		local.install(tag, state, cycle)
		return penalty, fmt.Sprintf("I->%s (read miss)", state)
	}

	// Write path.
	if l != nil && l.state == Modified {
		cc.stats.Hits++
		return 0, ""
	}
	if l != nil && l.state == Exclusive {
		cc.stats.Hits++
		l.state = Modified
		return 0, "E->M (silent upgrade)"
	}

	invalidated := 0
	penalty := uint32(0)
	for i, remote := range cc.caches {
		if i == core {
			continue
		}
		if rl := remote.line(tag); rl != nil && rl.state != Invalid {
			if rl.state == Modified {
				cc.stats.Writebacks++
				penalty += writebackPenalty
			}
			rl.state = Invalid
			invalidated++
		}
	}
	cc.stats.Invalidations += uint64(invalidated)

	if l != nil && l.state == Shared {
		cc.stats.Upgrades++
		l.state = Modified
		return penalty + upgradePenalty, fmt.Sprintf("S->M (%d invalidated)", invalidated)
	}
	cc.stats.Misses++
	local.install(tag, Modified, cycle)
	return penalty + missPenalty, fmt.Sprintf("I->M (write miss, %d invalidated)", invalidated)
}
