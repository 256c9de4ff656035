package runtime

import (
	"errors"
	"time"

	"github.com/kart-io/logger"

	"github.com/stackshq/stacks/pkg/bus"
)

// WorkerState is the application-owned, per-worker mutable state: typically
// a private storage connection plus whatever the service's handlers need.
// Each instance belongs to exactly one worker goroutine and is never shared.
type WorkerState interface {
	// Start runs on the worker goroutine before it accepts calls;
	// storage connections are opened here.
	Start() error

	// End runs when the worker retires; resources opened in Start are
	// released here.
	End() error

	// EndSession runs whenever a session terminates for any reason --
	// explicit disconnect, keepalive timeout, or call failure -- before
	// the worker rejoins the idle pool. Implementations roll back any
	// transaction the session left open.
	EndSession() error
}

// CallErrorHandler is optionally implemented by a WorkerState that wants to
// observe handler failures, e.g. to force end-of-session cleanup.
type CallErrorHandler interface {
	CallError(call *bus.Call, err error)
}

// Worker is a single execution unit: one goroutine, one transport endpoint,
// one exclusive state instance, plus read-only references to the shared
// environment and registry.
type Worker[S WorkerState] struct {
	id        int
	env       *Env
	registry  *Registry[S]
	state     S
	transport bus.Transport
	keepalive time.Duration
	idlePoll  time.Duration

	session   string
	connected bool
}

// ID returns the worker's index within its pool.
func (w *Worker[S]) ID() int { return w.id }

// Env returns the shared read-only environment.
func (w *Worker[S]) Env() *Env { return w.env }

// State returns this worker's private state. Handlers receive it already
// typed; there is no generic-handle recovery anywhere in the runtime.
func (w *Worker[S]) State() S { return w.state }

// run is the worker's dispatch loop. It exits when the transport closes.
func (w *Worker[S]) run() {
	if err := w.state.Start(); err != nil {
		logger.Errorw("worker start failed", "service", w.env.Service(), "worker", w.id, "error", err)
		w.transport.Close()
		return
	}
	defer func() {
		if err := w.state.End(); err != nil {
			logger.Errorw("worker end failed", "service", w.env.Service(), "worker", w.id, "error", err)
		}
	}()

	logger.Debugw("worker ready", "service", w.env.Service(), "worker", w.id)

	for {
		timeout := w.idlePoll
		if w.connected {
			timeout = w.keepalive
		}

		d, err := w.transport.Recv(timeout)
		switch {
		case errors.Is(err, bus.ErrTimeout):
			if w.connected {
				// The caller went silent mid-session; force the
				// session to end so the worker cannot carry a
				// half-finished transaction to its next caller.
				logger.Infow("session keepalive timeout",
					"service", w.env.Service(), "worker", w.id, "session", w.session)
				w.endSession()
			}
			continue
		case errors.Is(err, bus.ErrClosed):
			if w.connected {
				w.endSession()
			}
			return
		case err != nil:
			logger.Errorw("worker receive failed", "worker", w.id, "error", err)
			continue
		}

		switch d.Kind {
		case bus.DeliverConnect:
			w.session = d.Session
			w.connected = true
			w.transport.Reply(d.Session, &bus.Reply{Kind: bus.ReplyStatus, Value: "connected"})

		case bus.DeliverDisconnect:
			w.endSessionLocked(d.Session)
			w.transport.Reply(d.Session, &bus.Reply{Kind: bus.ReplyStatus, Value: "disconnected"})
			w.transport.Release(d.Session)

		case bus.DeliverRequest:
			err := w.dispatch(d)
			if w.connected && errors.Is(err, bus.ErrAbandoned) {
				// The caller stopped draining its reply stream. Treat
				// it like a vanished session so the worker cannot stay
				// wedged behind a dead client.
				logger.Infow("session abandoned mid-reply",
					"service", w.env.Service(), "worker", w.id, "session", d.Session)
				w.endSession()
				continue
			}
			if !w.connected {
				// Stateless calls borrow the worker for a single
				// exchange; cleanup still runs before release.
				if err := w.state.EndSession(); err != nil {
					logger.Errorw("end-of-session cleanup failed",
						"worker", w.id, "session", d.Session, "error", err)
				}
				w.transport.Release(d.Session)
			}
		}
	}
}

// endSession runs end-of-session cleanup for the attached session and
// returns the worker to the idle pool.
func (w *Worker[S]) endSession() {
	ses := w.session
	w.endSessionLocked(ses)
	w.transport.Release(ses)
}

func (w *Worker[S]) endSessionLocked(session string) {
	if err := w.state.EndSession(); err != nil {
		logger.Errorw("end-of-session cleanup failed",
			"service", w.env.Service(), "worker", w.id, "session", session, "error", err)
	}
	w.session = ""
	w.connected = false
}

// dispatch validates and runs one call, returning the handler's error.
// Handler failures are reported to the caller and never unwind the worker
// goroutine.
func (w *Worker[S]) dispatch(d *bus.Delivery) error {
	call := d.Call
	ses := newServerSession(w.transport, d.Session, call.ID)

	def, ok := w.registry.Get(call.Method)
	if !ok {
		logger.Warnw("no such method", "service", w.env.Service(), "method", call.Method)
		ses.fail(Protocolf("no such method: %s", call.Method).Error())
		return nil
	}

	if !def.ParamCount.Check(len(call.Params)) {
		ses.fail(Protocolf("method %s expects %s parameters, got %d",
			call.Method, def.ParamCount, len(call.Params)).Error())
		return nil
	}

	logger.Debugw("dispatching call",
		"service", w.env.Service(), "worker", w.id, "method", call.Method, "call", call.ID)

	if err := def.Handler(w, ses, call); err != nil {
		logger.Warnw("call failed",
			"service", w.env.Service(), "method", call.Method, "call", call.ID, "error", err)
		ses.fail(err.Error())
		if h, ok := any(w.state).(CallErrorHandler); ok {
			h.CallError(call, err)
		}
		return err
	}

	ses.complete()
	return nil
}
