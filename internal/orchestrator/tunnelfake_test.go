package orchestrator

import "sync"

// fakeTunnelSupervisor is a minimal fake of TunnelSupervisor, standing in
// for *tunnel.Supervisor so tests don't resolve/spawn a real frpc binary.
type fakeTunnelSupervisor struct {
	mu        sync.Mutex
	created   map[string]bool
	createErr error
}

func newFakeTunnelSupervisor() *fakeTunnelSupervisor {
	return &fakeTunnelSupervisor{created: map[string]bool{}}
}

func (f *fakeTunnelSupervisor) Create(rentalID string, portMapping, localPorts map[string]int) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	f.created[rentalID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTunnelSupervisor) Destroy(rentalID string) {
	f.mu.Lock()
	delete(f.created, rentalID)
	f.mu.Unlock()
}

func (f *fakeTunnelSupervisor) DestroyAll() {
	f.mu.Lock()
	f.created = map[string]bool{}
	f.mu.Unlock()
}
