package runtime

import "fmt"

// Kind classifies a runtime failure so the dispatch boundary can decide how
// far it propagates.
type Kind int

const (
	// KindConfig is fatal at startup: the service refuses to run rather
	// than publish a partial or inconsistent surface.
	KindConfig Kind = iota
	// KindProtocol covers caller mistakes (unknown method, bad arity).
	// Reported to the caller; the worker stays up.
	KindProtocol
	// KindResource covers backend failures (storage connection loss).
	// The call fails and end-of-session cleanup runs.
	KindResource
	// KindTransport covers receive timeouts and disconnects.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error is a classified runtime failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Configf builds a fatal configuration error.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// Protocolf builds a caller-facing protocol error.
func Protocolf(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

// Resourcef builds a backend resource error.
func Resourcef(format string, args ...any) *Error {
	return &Error{Kind: KindResource, Msg: fmt.Sprintf(format, args...)}
}
