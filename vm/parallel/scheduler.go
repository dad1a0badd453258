package parallel

import (
	"fmt"
	"math/rand"

	"github.com/colorfulnotion/uvm/vm"
)

// Scheduling policy names accepted by NewScheduler and the CLI.
const (
	PolicyRoundRobin        = "round-robin"
	PolicyPriority          = "priority"
	PolicyShortestRemaining = "shortest-remaining"
)

// NewScheduler builds a scheduler for the named policy. quantum is the
// tick budget per dispatch; 0 disables quantum preemption.
func NewScheduler(policy string, quantum uint32) (vm.Scheduler, error) {
	switch policy {
	case PolicyRoundRobin, "rr":
		return &RoundRobinScheduler{quantum: quantum}, nil
	case PolicyPriority, "prio":
		return &PriorityScheduler{quantum: quantum}, nil
	case PolicyShortestRemaining, "srb":
		return &ShortestRemainingScheduler{quantum: quantum}, nil
	}
	return nil, fmt.Errorf("unknown scheduling policy %q", policy)
}

// RoundRobinScheduler cycles threads in id order, preempting on quantum
// expiry. The least recently dispatched ready thread goes next, so with
// N ready threads every thread runs exactly once per N dispatches.
type RoundRobinScheduler struct {
	quantum uint32
}

func (s *RoundRobinScheduler) Name() string { return PolicyRoundRobin }

func (s *RoundRobinScheduler) Quantum() uint32 { return s.quantum }

func (s *RoundRobinScheduler) Pick(core int, current *vm.Thread, ready []*vm.Thread, quantumExpired bool, rng *rand.Rand) *vm.Thread {
	if current != nil && !quantumExpired {
		return current
	}
	next := leastRecentlyRun(ready)
	if next == nil {
		// Nobody else is ready; let the current thread keep the core.
		return current
	}
	return next
}

// leastRecentlyRun picks the thread with the smallest LastRun cycle,
// lowest id on ties. ready arrives sorted by id, so the first minimum
// wins the tie deterministically.
func leastRecentlyRun(ready []*vm.Thread) *vm.Thread {
	var best *vm.Thread
	for _, t := range ready {
		if best == nil || t.LastRun < best.LastRun {
			best = t
		}
	}
	return best
}

// PriorityScheduler always runs the highest-priority ready thread and
// preempts the current thread as soon as a strictly higher priority
// thread becomes ready. Equal-priority ties are broken with the run
// PRNG so starvation patterns vary per seed but reproduce exactly.
type PriorityScheduler struct {
	quantum uint32
}

func (s *PriorityScheduler) Name() string { return PolicyPriority }

func (s *PriorityScheduler) Quantum() uint32 { return s.quantum }

func (s *PriorityScheduler) Pick(core int, current *vm.Thread, ready []*vm.Thread, quantumExpired bool, rng *rand.Rand) *vm.Thread {
	if len(ready) == 0 {
		return current
	}
	top := []*vm.Thread{ready[0]}
	for _, t := range ready[1:] {
		switch {
		case t.Priority > top[0].Priority:
			top = top[:1]
			top[0] = t
		case t.Priority == top[0].Priority:
			top = append(top, t)
		}
	}
	if current != nil {
		if current.Priority > top[0].Priority {
			return current
		}
		if current.Priority == top[0].Priority && !quantumExpired {
			return current
		}
	}
	return top[rng.Intn(len(top))]
}

// ShortestRemainingScheduler dispatches the thread with the smallest
// remaining burst estimate, preempting when a shorter job appears.
type ShortestRemainingScheduler struct {
	quantum uint32
}

func (s *ShortestRemainingScheduler) Name() string { return PolicyShortestRemaining }

func (s *ShortestRemainingScheduler) Quantum() uint32 { return s.quantum }

func (s *ShortestRemainingScheduler) Pick(core int, current *vm.Thread, ready []*vm.Thread, quantumExpired bool, rng *rand.Rand) *vm.Thread {
	if len(ready) == 0 {
		return current
	}
	short := []*vm.Thread{ready[0]}
	for _, t := range ready[1:] {
		switch {
		case t.Remaining < short[0].Remaining:
			short = short[:1]
			short[0] = t
		case t.Remaining == short[0].Remaining:
			short = append(short, t)
		}
	}
	if current != nil && current.Remaining <= short[0].Remaining {
		return current
	}
	return short[rng.Intn(len(short))]
}
