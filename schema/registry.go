package schema

import (
	"fmt"
	"sync"
)

// Registry maps discriminator values to model definitions. It is built at
// startup and frozen before concurrent use; after Freeze it is immutable and
// lookups need no synchronization beyond the read lock.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*ModelDefinition
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*ModelDefinition)}
}

// Register validates the model and adds it under its Name.
func (r *Registry) Register(m *ModelDefinition) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", m.Name)
	}
	if _, ok := r.models[m.Name]; ok {
		return fmt.Errorf("model %q already registered", m.Name)
	}
	r.models[m.Name] = m
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(m *ModelDefinition) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup resolves a discriminator value to its model definition.
func (r *Registry) Lookup(name string) (*ModelDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}
