package conn

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the live managers keyed by device id.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers m. It fails if a manager for the same device exists.
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[m.DeviceID()]; ok {
		return fmt.Errorf("device %s already registered", m.DeviceID())
	}
	r.managers[m.DeviceID()] = m
	return nil
}

func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	return m, ok
}

// Remove unregisters and closes the manager for id, if any.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	m, ok := r.managers[id]
	delete(r.managers, id)
	r.mu.Unlock()
	if ok {
		m.Close()
	}
}

// IDs returns the registered device ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every manager concurrently and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close()
		}()
	}
	wg.Wait()
}
