package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-machine
// setups. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]TargetInstance
	watchers  map[string][]chan []TargetInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]TargetInstance),
		watchers:  make(map[string][]chan []TargetInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, target string, instance TargetInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[target]
	for i, inst := range list {
		if inst.Addr == instance.Addr {
			list[i] = instance
			m.notify(target)
			return nil
		}
	}
	m.instances[target] = append(list, instance)
	m.notify(target)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, target string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[target]
	for i, inst := range list {
		if inst.Addr == addr {
			m.instances[target] = append(list[:i:i], list[i+1:]...)
			m.notify(target)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, target string) ([]TargetInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TargetInstance(nil), m.instances[target]...), nil
}

// Watch delivers the latest list after each change. Slow readers only see
// the most recent list.
func (m *MemoryRegistry) Watch(ctx context.Context, target string) <-chan []TargetInstance {
	ch := make(chan []TargetInstance, 1)
	m.mu.Lock()
	m.watchers[target] = append(m.watchers[target], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[target]
		for i, w := range ws {
			if w == ch {
				m.watchers[target] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with mu held.
func (m *MemoryRegistry) notify(target string) {
	snapshot := append([]TargetInstance(nil), m.instances[target]...)
	for _, ch := range m.watchers[target] {
		select {
		case <-ch: // replace a stale, unread list
		default:
		}
		ch <- snapshot
	}
}
