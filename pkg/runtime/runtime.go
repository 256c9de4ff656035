// Package runtime is the generic multi-worker RPC service runtime. An
// application describes itself through the App interface -- service name,
// startup initialization, method definitions, per-worker state -- and the
// runtime handles the rest: building the immutable environment and method
// registry, spawning the worker pool, dispatching calls with arity
// validation, and guaranteeing end-of-session resource cleanup.
//
// The runtime is generic over the application's worker state, so handlers
// receive their state fully typed. Environment and registry are frozen
// before the first worker spawns; that point is the only startup/runtime
// concurrency boundary.
package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"

	"github.com/stackshq/stacks/pkg/bus"
)

// App describes one hosted service.
type App[S WorkerState] interface {
	// Name returns the service identity, e.g. "stacks.store".
	Name() string

	// Init performs one-time startup work (loading the metadata
	// registry) and builds the shared environment.
	Init() (*Env, error)

	// Methods returns every definition the service publishes, static and
	// derived. Building the list must be a pure function of the
	// environment snapshot.
	Methods(env *Env) ([]*MethodDef[S], error)

	// NewWorkerState builds the private state for one worker.
	NewWorkerState(env *Env) (S, error)
}

// Options tunes a runtime instance.
type Options struct {
	// Workers is the pool size.
	Workers int

	// Keepalive bounds how long a connected session may stay silent
	// between calls before the runtime forces it to end.
	Keepalive time.Duration

	// IdlePoll is the receive timeout for idle workers; it only bounds
	// how quickly shutdown is observed.
	IdlePoll time.Duration
}

// NewOptions returns defaults suitable for most services.
func NewOptions() *Options {
	return &Options{
		Workers:   4,
		Keepalive: 5 * time.Second,
		IdlePoll:  time.Second,
	}
}

// Runtime hosts one service: its environment, method registry, and worker
// pool.
type Runtime[S WorkerState] struct {
	app       App[S]
	bus       *bus.ChannelBus
	opts      *Options
	env       *Env
	registry  *Registry[S]
	endpoints []*bus.Endpoint
	wg        sync.WaitGroup
	started   atomic.Bool
}

// New creates a runtime for the given application on the given bus.
func New[S WorkerState](app App[S], b *bus.ChannelBus, opts *Options) *Runtime[S] {
	if opts == nil {
		opts = NewOptions()
	}
	return &Runtime[S]{app: app, bus: b, opts: opts}
}

// Start initializes the application, builds and freezes the environment and
// registry, then spawns the worker pool. Any registration failure -- missing
// stub template, unreadable metadata, method name collision -- aborts
// startup before a single worker exists.
func (rt *Runtime[S]) Start() error {
	if !rt.started.CompareAndSwap(false, true) {
		return fmt.Errorf("runtime %s already started", rt.app.Name())
	}

	env, err := rt.app.Init()
	if err != nil {
		return fmt.Errorf("initializing %s: %w", rt.app.Name(), err)
	}

	defs, err := rt.app.Methods(env)
	if err != nil {
		return fmt.Errorf("building method list for %s: %w", rt.app.Name(), err)
	}

	registry := NewRegistry[S]()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("registering methods for %s: %w", rt.app.Name(), err)
		}
	}
	registry.Freeze()

	rt.env = env
	rt.registry = registry

	logger.Infow("service starting",
		"service", rt.app.Name(),
		"methods", registry.Len(),
		"workers", rt.opts.Workers,
	)

	for i := 0; i < rt.opts.Workers; i++ {
		state, err := rt.app.NewWorkerState(env)
		if err != nil {
			rt.Stop()
			return fmt.Errorf("building worker state for %s: %w", rt.app.Name(), err)
		}

		ep := rt.bus.NewEndpoint(rt.app.Name())
		rt.endpoints = append(rt.endpoints, ep)

		w := &Worker[S]{
			id:        i,
			env:       env,
			registry:  registry,
			state:     state,
			transport: ep,
			keepalive: rt.opts.Keepalive,
			idlePoll:  rt.opts.IdlePoll,
		}

		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			w.run()
		}()
	}

	return nil
}

// Env returns the frozen environment. Valid after Start.
func (rt *Runtime[S]) Env() *Env { return rt.env }

// Registry returns the frozen method registry. Valid after Start.
func (rt *Runtime[S]) Registry() *Registry[S] { return rt.registry }

// Stop closes every worker endpoint and waits for the pool to drain.
// Workers finish their in-flight dispatch and release their resources before
// exiting, so partial teardown states are never externally observable.
func (rt *Runtime[S]) Stop() {
	for _, ep := range rt.endpoints {
		ep.Close()
	}
	rt.wg.Wait()
	logger.Infow("service stopped", "service", rt.app.Name())
}
