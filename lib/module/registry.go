package module

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps loader names to module APIs.
type Registry struct {
	mu   sync.RWMutex
	apis map[string]APIs
}

// NewRegistry creates a registry holding the given APIs.
func NewRegistry(apis ...APIs) (*Registry, error) {
	r := &Registry{apis: make(map[string]APIs)}
	for _, a := range apis {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a module kind. Registering a name twice is an error.
func (r *Registry) Register(a APIs) error {
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apis[a.Name]; ok {
		return fmt.Errorf("module loader %s already registered", a.Name)
	}
	r.apis[a.Name] = a
	return nil
}

// Lookup returns the APIs registered under name.
func (r *Registry) Lookup(name string) (APIs, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apis[name]
	if !ok {
		return APIs{}, fmt.Errorf("%w: %s", ErrUnknownLoader, name)
	}
	return a, nil
}

// Names lists registered loader names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apis))
	for name := range r.apis {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
