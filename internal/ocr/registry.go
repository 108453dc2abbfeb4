package ocr

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured OCR engines by name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. Registering the same name twice is an error.
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[e.Name()]; exists {
		return fmt.Errorf("engine %q already registered", e.Name())
	}
	r.engines[e.Name()] = e
	return nil
}

// Get returns an engine by name.
func (r *Registry) Get(name string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// Available returns all registered engines, sorted by name for
// deterministic selection input.
func (r *Registry) Available() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	engines := r.Available()
	names := make([]string, len(engines))
	for i, e := range engines {
		names[i] = e.Name()
	}
	return names
}
