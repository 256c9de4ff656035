// Package store implements the platform's generic object-storage service.
// Its public surface is almost entirely derived: for every metadata class it
// controls, it publishes create/retrieve/search/update/delete methods backed
// by a single set of generic handlers, plus static transaction control
// methods. Each worker owns an exclusive backend connection; transaction
// safety comes from that affinity and from unconditional rollback at end of
// session.
package store

import (
	"fmt"

	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/metadata"
	"github.com/stackshq/stacks/pkg/runtime"
)

// ServiceName is the service's bus identity.
const ServiceName = "stacks.store"

// App wires the store service into the runtime.
type App struct {
	opts *Options
	meta *metadata.Registry
}

// NewApp builds the application from completed options.
func NewApp(opts *Options) *App {
	return &App{opts: opts}
}

// NewAppWithMetadata builds the application around an already-loaded
// registry. Used by embedding daemons and tests.
func NewAppWithMetadata(opts *Options, meta *metadata.Registry) *App {
	return &App{opts: opts, meta: meta}
}

// Name returns the service identity.
func (a *App) Name() string { return ServiceName }

// Init loads the metadata registry and builds the shared environment.
func (a *App) Init() (*runtime.Env, error) {
	meta := a.meta
	if meta == nil {
		var err error
		meta, err = metadata.LoadFile(a.opts.MetadataFile)
		if err != nil {
			return nil, err
		}
	}
	return runtime.NewEnv(ServiceName, meta), nil
}

// Methods returns the static surface plus the derived per-class CRUD
// surface. Generation is a pure function of the metadata snapshot: the same
// snapshot always yields the same name set.
func (a *App) Methods(env *runtime.Env) ([]*runtime.MethodDef[*WorkerState], error) {
	defs := staticMethods()

	stubs := stubTemplates()
	for _, class := range env.Metadata().ForController(ServiceName) {
		for _, op := range crudOps {
			stub, ok := stubs[op]
			if !ok {
				return nil, runtime.Configf("no stub template for operation %q", op)
			}
			name := fmt.Sprintf("%s.direct.%s.%s", ServiceName, class.MapperDotted(), op)
			defs = append(defs, stub.Clone(name))
		}
	}
	return defs, nil
}

// NewWorkerState builds one worker's private state. The connection itself is
// opened later, on the worker goroutine.
func (a *App) NewWorkerState(_ *runtime.Env) (*WorkerState, error) {
	return &WorkerState{dbOpts: a.opts.DB}, nil
}

// Start builds and starts the service runtime on the given bus.
func Start(b *bus.ChannelBus, opts *Options) (*runtime.Runtime[*WorkerState], error) {
	rt := runtime.New[*WorkerState](NewApp(opts), b, opts.Runtime)
	if err := rt.Start(); err != nil {
		return nil, err
	}
	return rt, nil
}
