// Package registry provides a name-keyed lookup table used for adapters,
// metric scorers and custom rule plugins.
package registry

import (
	"sort"
	"sync"
)

// ConfigurationError is returned when a name does not resolve to a
// registered entry.
type ConfigurationError struct {
	Kind string
	Name string
}

func (e *ConfigurationError) Error() string {
	return "unknown " + e.Kind + ": " + e.Name
}

// Registry maps names to values of type T. It is safe for concurrent use.
type Registry[T any] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty registry. kind is used in error messages
// (e.g. "adapter", "scorer", "plugin").
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:  kind,
		items: make(map[string]T),
	}
}

// Register adds or replaces the entry for name.
func (r *Registry[T]) Register(name string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = v
}

// Get returns the entry for name, or a *ConfigurationError.
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[name]
	if !ok {
		var zero T
		return zero, &ConfigurationError{Kind: r.kind, Name: name}
	}
	return v, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for n := range r.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
