package runtime

import (
	"sort"
	"sync/atomic"
)

// Registry is the authoritative name-to-definition map for one service.
// Registration happens during startup only; once the runtime spawns its
// first worker the registry is frozen and shared read-only.
type Registry[S WorkerState] struct {
	methods map[string]*MethodDef[S]
	frozen  atomic.Bool
}

// NewRegistry creates an empty method registry.
func NewRegistry[S WorkerState]() *Registry[S] {
	return &Registry[S]{methods: make(map[string]*MethodDef[S])}
}

// Register adds a method definition. Duplicate names and registration after
// freeze are configuration errors.
func (r *Registry[S]) Register(def *MethodDef[S]) error {
	if r.frozen.Load() {
		return Configf("registry frozen; cannot register %q", def.Name)
	}
	if def.Name == "" {
		return Configf("method with empty name")
	}
	if def.Handler == nil {
		return Configf("method %q has no handler", def.Name)
	}
	if _, ok := r.methods[def.Name]; ok {
		return Configf("duplicate method name %q", def.Name)
	}
	r.methods[def.Name] = def
	return nil
}

// Get returns the definition published under name.
func (r *Registry[S]) Get(name string) (*MethodDef[S], bool) {
	def, ok := r.methods[name]
	return def, ok
}

// Len returns the number of registered methods.
func (r *Registry[S]) Len() int { return len(r.methods) }

// Names returns all published method names, sorted.
func (r *Registry[S]) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze marks the registry immutable. Called by the runtime before the
// first worker spawns.
func (r *Registry[S]) Freeze() { r.frozen.Store(true) }

// Frozen reports whether the registry has been frozen.
func (r *Registry[S]) Frozen() bool { return r.frozen.Load() }
