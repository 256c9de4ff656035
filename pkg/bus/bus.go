// Package bus provides the message transport used between RPC clients and
// service runtimes. The wire encoding of a networked bus is out of scope
// here; the package defines the call/reply contract, the Transport interface
// a worker blocks on, and an in-process channel implementation suitable for
// single-binary deployments and tests.
package bus

import (
	"errors"
	"time"

	"github.com/bytedance/sonic"
)

var (
	// ErrTimeout is returned by Recv when no delivery arrived in time.
	ErrTimeout = errors.New("bus: receive timeout")
	// ErrClosed is returned once a transport or bus has been shut down.
	ErrClosed = errors.New("bus: closed")
	// ErrBusy is returned when a service has no idle worker to take a call.
	ErrBusy = errors.New("bus: no idle worker available")
	// ErrNoService is returned when addressing an unregistered service.
	ErrNoService = errors.New("bus: no such service")
	// ErrNoSession is returned when a session's worker pin no longer exists,
	// e.g. after a keepalive timeout ended the session server-side.
	ErrNoSession = errors.New("bus: session not connected")
	// ErrAbandoned is returned by Reply when the session's client stopped
	// draining its reply stream. The pin is already dropped; the worker
	// must run its end-of-session cleanup instead of retrying.
	ErrAbandoned = errors.New("bus: session abandoned")
)

// Call is a single method invocation: a name plus an ordered parameter list.
type Call struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Param returns the nth parameter or nil when absent.
func (c *Call) Param(n int) any {
	if n < 0 || n >= len(c.Params) {
		return nil
	}
	return c.Params[n]
}

// ReplyKind discriminates the reply stream sent back for one call.
type ReplyKind int

const (
	// ReplyResult carries one produced value; a call may send several.
	ReplyResult ReplyKind = iota
	// ReplyComplete marks the end of the reply stream for a call.
	ReplyComplete
	// ReplyError carries a call failure. It also terminates the stream.
	ReplyError
	// ReplyStatus carries session control acknowledgements (connect,
	// disconnect) rather than call output.
	ReplyStatus
)

// Reply is one message in the response stream for a call or session event.
type Reply struct {
	CallID string    `json:"call_id,omitempty"`
	Kind   ReplyKind `json:"kind"`
	Value  any       `json:"value,omitempty"`
	Err    string    `json:"err,omitempty"`
}

// DeliveryKind discriminates what a worker pulled off its transport.
type DeliveryKind int

const (
	// DeliverRequest is a method call.
	DeliverRequest DeliveryKind = iota
	// DeliverConnect opens a stateful multi-call session on this worker.
	DeliverConnect
	// DeliverDisconnect ends a stateful session.
	DeliverDisconnect
)

// Delivery is one inbound message handed to a worker.
type Delivery struct {
	Session string
	Kind    DeliveryKind
	Call    *Call
}

// Transport is the per-worker receive endpoint. Exactly one worker owns a
// Transport; deliveries on it are strictly sequential.
type Transport interface {
	// Recv blocks for the next delivery, returning ErrTimeout after the
	// given duration and ErrClosed once the endpoint is shut down.
	Recv(timeout time.Duration) (*Delivery, error)

	// Reply sends one reply toward the named session's client.
	Reply(session string, r *Reply) error

	// Release returns this worker to the idle pool after the named
	// session has fully ended. Workers call it only after their
	// end-of-session cleanup has run.
	Release(session string)

	// Close shuts the endpoint down.
	Close() error
}

// recode round-trips a value through the payload codec so both sides of the
// bus observe identical JSON-shaped data regardless of the Go types the
// sender used.
func recode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// recodeParams applies recode to every element of a parameter list.
func recodeParams(params []any) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		v, err := recode(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
