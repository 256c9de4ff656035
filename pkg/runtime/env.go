package runtime

import "github.com/stackshq/stacks/pkg/metadata"

// Env is the read-only snapshot shared by every worker of a service. It is
// built once during startup and never mutated after the first worker spawns,
// so no synchronization guards it.
type Env struct {
	service  string
	meta     *metadata.Registry
	settings map[string]any
}

// NewEnv builds an environment for the named service.
func NewEnv(service string, meta *metadata.Registry) *Env {
	return &Env{service: service, meta: meta, settings: make(map[string]any)}
}

// Service returns the owning service's identity, e.g. "stacks.store".
func (e *Env) Service() string { return e.service }

// Metadata returns the shared class registry. May be nil for services that
// publish only static methods.
func (e *Env) Metadata() *metadata.Registry { return e.meta }

// SetSetting stores a host setting. Startup-time use only.
func (e *Env) SetSetting(name string, value any) { e.settings[name] = value }

// Setting returns a host setting value.
func (e *Env) Setting(name string) (any, bool) {
	v, ok := e.settings[name]
	return v, ok
}
