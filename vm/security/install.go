package security

import "github.com/colorfulnotion/uvm/vm"

// Suite bundles the three security extensions registered together.
type Suite struct {
	Protector *MemoryProtector
	Monitor   *ControlFlowMonitor
	Gate      *PrivilegeManager
}

// Install registers the full security suite on a machine. The order is
// load-bearing: the protector's canary pop must run before the control
// flow monitor reads the return address slot.
func Install(m *vm.VM, cfg ProtectConfig) (*Suite, error) {
	s := &Suite{
		Protector: NewMemoryProtector(cfg),
		Monitor:   NewControlFlowMonitor(),
		Gate:      NewPrivilegeManager(),
	}
	s.Gate.Bind(m)
	for _, ext := range []vm.Extension{s.Protector, s.Monitor, s.Gate} {
		if err := m.RegisterExtension(ext); err != nil {
			return nil, err
		}
	}
	return s, nil
}
