package runtime

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/metadata"
)

const testTimeout = 2 * time.Second

// fakeState counts lifecycle transitions so tests can assert cleanup runs.
type fakeState struct {
	started     atomic.Int32
	ended       atomic.Int32
	sessionEnds atomic.Int32
	callErrors  atomic.Int32
	open        atomic.Bool // stands in for an open transaction
}

func (s *fakeState) Start() error { s.started.Add(1); return nil }
func (s *fakeState) End() error   { s.ended.Add(1); return nil }

func (s *fakeState) EndSession() error {
	s.sessionEnds.Add(1)
	s.open.Store(false)
	return nil
}

func (s *fakeState) CallError(_ *bus.Call, _ error) {
	s.callErrors.Add(1)
}

type fakeApp struct {
	states []*fakeState
	defs   []*MethodDef[*fakeState]
}

func (a *fakeApp) Name() string { return "stacks.test" }

func (a *fakeApp) Init() (*Env, error) {
	meta, err := metadata.New(nil)
	if err != nil {
		return nil, err
	}
	return NewEnv(a.Name(), meta), nil
}

func (a *fakeApp) Methods(_ *Env) ([]*MethodDef[*fakeState], error) {
	return a.defs, nil
}

func (a *fakeApp) NewWorkerState(_ *Env) (*fakeState, error) {
	s := &fakeState{}
	a.states = append(a.states, s)
	return s, nil
}

func echoDefs() []*MethodDef[*fakeState] {
	return []*MethodDef[*fakeState]{
		{
			Name:       "echo",
			ParamCount: ParamAtLeast(0),
			Handler: func(w *Worker[*fakeState], ses *ServerSession, call *bus.Call) error {
				return ses.Respond(call.Params)
			},
		},
		{
			Name:       "open",
			ParamCount: ParamZero(),
			Handler: func(w *Worker[*fakeState], ses *ServerSession, _ *bus.Call) error {
				w.State().open.Store(true)
				return ses.Respond(1)
			},
		},
		{
			Name:       "is-open",
			ParamCount: ParamZero(),
			Handler: func(w *Worker[*fakeState], ses *ServerSession, _ *bus.Call) error {
				return ses.Respond(w.State().open.Load())
			},
		},
		{
			Name:       "fail",
			ParamCount: ParamZero(),
			Handler: func(_ *Worker[*fakeState], _ *ServerSession, _ *bus.Call) error {
				return errors.New("handler exploded")
			},
		},
		{
			Name:       "one-arg",
			ParamCount: ParamExactly(1),
			Handler: func(_ *Worker[*fakeState], ses *ServerSession, _ *bus.Call) error {
				return ses.Respond("ok")
			},
		},
	}
}

func startRuntime(t *testing.T, opts *Options) (*Runtime[*fakeState], *fakeApp, *bus.ChannelBus) {
	t.Helper()
	app := &fakeApp{defs: echoDefs()}
	b := bus.NewChannelBus()
	rt := New[*fakeState](app, b, opts)
	require.NoError(t, rt.Start())
	t.Cleanup(func() {
		rt.Stop()
		b.Close()
	})
	return rt, app, b
}

func singleWorkerOpts() *Options {
	return &Options{Workers: 1, Keepalive: 100 * time.Millisecond, IdlePoll: 10 * time.Millisecond}
}

func TestStatelessDispatch(t *testing.T) {
	_, app, b := startRuntime(t, singleWorkerOpts())

	v, err := bus.NewClient(b).Request("stacks.test", "echo", testTimeout, "a", 1)
	require.NoError(t, err)
	params, err := bus.Array(v)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", float64(1)}, params)

	// Stateless exchanges still run end-of-session cleanup.
	require.Eventually(t, func() bool {
		return app.states[0].sessionEnds.Load() >= 1
	}, testTimeout, 10*time.Millisecond)
}

func TestUnknownMethodReported(t *testing.T) {
	_, _, b := startRuntime(t, singleWorkerOpts())

	_, err := bus.NewClient(b).Request("stacks.test", "nope", testTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such method")
}

func TestArityEnforced(t *testing.T) {
	_, _, b := startRuntime(t, singleWorkerOpts())
	client := bus.NewClient(b)

	_, err := client.Request("stacks.test", "one-arg", testTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects exactly 1 parameters")

	v, err := client.Request("stacks.test", "one-arg", testTimeout, "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestHandlerFailureKeepsWorkerAlive(t *testing.T) {
	_, app, b := startRuntime(t, singleWorkerOpts())
	client := bus.NewClient(b)

	_, err := client.Request("stacks.test", "fail", testTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
	require.Eventually(t, func() bool {
		return app.states[0].callErrors.Load() == 1
	}, testTimeout, 10*time.Millisecond)

	// The worker survives and serves the next caller.
	v, err := client.Request("stacks.test", "echo", testTimeout)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestConnectedSessionCleanupOnDisconnect(t *testing.T) {
	_, app, b := startRuntime(t, singleWorkerOpts())

	ses := bus.NewClient(b).Session("stacks.test")
	require.NoError(t, ses.Connect(testTimeout))

	pending, err := ses.Request("open")
	require.NoError(t, err)
	_, err = pending.First(testTimeout)
	require.NoError(t, err)
	assert.True(t, app.states[0].open.Load())

	require.NoError(t, ses.Disconnect(testTimeout))

	// Cleanup ran before the disconnect was acknowledged.
	assert.False(t, app.states[0].open.Load())
	assert.GreaterOrEqual(t, app.states[0].sessionEnds.Load(), int32(1))
}

func TestKeepaliveTimeoutEndsSession(t *testing.T) {
	_, app, b := startRuntime(t, singleWorkerOpts())

	ses := bus.NewClient(b).Session("stacks.test")
	require.NoError(t, ses.Connect(testTimeout))

	pending, err := ses.Request("open")
	require.NoError(t, err)
	_, err = pending.First(testTimeout)
	require.NoError(t, err)

	// Go silent past the keepalive. The worker must end the session,
	// clean up, and rejoin the idle pool on its own.
	require.Eventually(t, func() bool {
		return !app.states[0].open.Load()
	}, testTimeout, 10*time.Millisecond)

	// The evicted worker rejoins the idle pool and serves a fresh caller
	// with no leftover state.
	require.Eventually(t, func() bool {
		v, err := bus.NewClient(b).Request("stacks.test", "is-open", testTimeout)
		return err == nil && v == false
	}, testTimeout, 20*time.Millisecond)
}

func TestAbandonedReplyStreamFreesWorker(t *testing.T) {
	defs := append(echoDefs(), &MethodDef[*fakeState]{
		Name:       "flood",
		ParamCount: ParamZero(),
		Handler: func(w *Worker[*fakeState], ses *ServerSession, _ *bus.Call) error {
			w.State().open.Store(true)
			for i := 0; i < 100; i++ {
				if err := ses.Respond(i); err != nil {
					return err
				}
			}
			return nil
		},
	})

	app := &fakeApp{defs: defs}
	b := bus.NewChannelBus(bus.WithReplyTimeout(50 * time.Millisecond))
	rt := New[*fakeState](app, b, singleWorkerOpts())
	require.NoError(t, rt.Start())
	t.Cleanup(func() {
		rt.Stop()
		b.Close()
	})

	ses := bus.NewClient(b).Session("stacks.test")
	require.NoError(t, ses.Connect(testTimeout))
	_, err := ses.Request("flood")
	require.NoError(t, err)

	// The caller reads nothing, so the reply buffer fills and the worker's
	// sends stall. It must end the session on its own instead of wedging.
	require.Eventually(t, func() bool {
		return !app.states[0].open.Load()
	}, testTimeout, 10*time.Millisecond)

	// The worker rejoins the idle pool and serves a fresh caller.
	require.Eventually(t, func() bool {
		v, err := bus.NewClient(b).Request("stacks.test", "is-open", testTimeout)
		return err == nil && v == false
	}, testTimeout, 20*time.Millisecond)
}

func TestStartRejectsDuplicateMethods(t *testing.T) {
	app := &fakeApp{defs: append(echoDefs(), echoDefs()[0].Clone("echo"))}
	b := bus.NewChannelBus()
	defer b.Close()

	rt := New[*fakeState](app, b, singleWorkerOpts())
	err := rt.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate method name")
}

func TestStartTwiceFails(t *testing.T) {
	rt, _, _ := startRuntime(t, singleWorkerOpts())
	assert.Error(t, rt.Start())
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry[*fakeState]()
	def := echoDefs()[0]
	require.NoError(t, r.Register(def))
	r.Freeze()

	err := r.Register(def.Clone("other"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestParamCount(t *testing.T) {
	assert.True(t, ParamZero().Check(0))
	assert.False(t, ParamZero().Check(1))
	assert.True(t, ParamExactly(2).Check(2))
	assert.False(t, ParamExactly(2).Check(1))
	assert.True(t, ParamRange(1, 3).Check(3))
	assert.False(t, ParamRange(1, 3).Check(4))
	assert.True(t, ParamAtLeast(1).Check(9))
	assert.False(t, ParamAtLeast(1).Check(0))

	assert.Equal(t, "exactly 0", ParamZero().String())
	assert.Equal(t, "between 1 and 3", ParamRange(1, 3).String())
	assert.Equal(t, "at least 2", ParamAtLeast(2).String())
}
