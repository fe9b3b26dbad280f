package registry

import "sync"

// Memory is an in-process Registry used by tests and single-process
// deployments that have no etcd.
type Memory struct {
	mu        sync.Mutex
	instances map[string][]Instance
	watchers  map[string][]chan []Instance
}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string][]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

// Register publishes an instance. The TTL is ignored; entries live until
// deregistered.
func (m *Memory) Register(serviceName string, instance Instance, ttl int64) error {
	m.mu.Lock()
	list := m.instances[serviceName]
	replaced := false
	for i, existing := range list {
		if existing.DestHash == instance.DestHash {
			list[i] = instance
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, instance)
	}
	m.instances[serviceName] = list
	m.notifyLocked(serviceName)
	m.mu.Unlock()
	return nil
}

// Deregister removes a published instance.
func (m *Memory) Deregister(serviceName string, destHash string) error {
	m.mu.Lock()
	list := m.instances[serviceName]
	for i, inst := range list {
		if inst.DestHash == destHash {
			m.instances[serviceName] = append(list[:i], list[i+1:]...)
			break
		}
	}
	m.notifyLocked(serviceName)
	m.mu.Unlock()
	return nil
}

// Discover returns the current instances of a service.
func (m *Memory) Discover(serviceName string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Instance(nil), m.instances[serviceName]...), nil
}

// Watch emits the instance list after every mutation.
func (m *Memory) Watch(serviceName string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()
	return ch
}

func (m *Memory) notifyLocked(serviceName string) {
	list := append([]Instance(nil), m.instances[serviceName]...)
	for _, ch := range m.watchers[serviceName] {
		select {
		case ch <- list:
		default:
		}
	}
}
