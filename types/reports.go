package types

// RaceFinding is one advisory data-race observation: a pair of conflicting
// accesses with no happens-before edge between the threads.
type RaceFinding struct {
	Addr    uint64   `json:"addr"`
	Threads []uint32 `json:"threads"`
	Kinds   []string `json:"kinds"` // access kinds of the two sides, e.g. WRITE/READ
	Cycle   uint64   `json:"cycle"` // cycle of the later access
	Detail  string   `json:"detail,omitempty"`
}

// RaceReport is the aggregate returned by the machine's race query.
type RaceReport struct {
	Findings []RaceFinding `json:"findings"`
	// Checked is the number of data accesses the detector inspected.
	Checked uint64 `json:"checked"`
}

// SecurityFinding is one security-relevant observation: a blocked attack,
// a protection veto, or a policy event worth forensics.
type SecurityFinding struct {
	Kind     string `json:"kind"` // dep, canary, shadow_stack, privilege, aslr, attack
	ThreadID uint32 `json:"threadId"`
	Addr     uint64 `json:"addr,omitempty"`
	PC       uint64 `json:"pc,omitempty"`
	Cycle    uint64 `json:"cycle"`
	Blocked  bool   `json:"blocked"`
	Detail   string `json:"detail,omitempty"`
}

// SecurityReport aggregates findings from every security extension.
type SecurityReport struct {
	Findings []SecurityFinding `json:"findings"`
}
