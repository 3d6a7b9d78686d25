package dialog

import (
	"fmt"
	"slices"
	"sync"
)

// Registry holds the known states of one dialog, keyed by name.
// It is written during setup and read concurrently by many machines.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a state factory under a unique name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("%w: state name is required", ErrInvalidState)
	}
	if factory == nil {
		return fmt.Errorf("%w: state %q has no factory", ErrInvalidState, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return &DuplicateStateError{Name: name}
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for static setup code; it panics on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve returns a fresh instance of the named state.
func (r *Registry) Resolve(name string) (*State, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownStateError{Name: name}
	}

	s := factory()
	if s == nil {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrInvalidState, name)
	}
	s.Name = name
	return s, nil
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered state names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
