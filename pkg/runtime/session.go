package runtime

import "github.com/stackshq/stacks/pkg/bus"

// ServerSession is a handler's reply channel for one call. A handler may
// respond any number of times (one reply per produced item); the worker
// terminates the stream with a completion or error marker after the handler
// returns.
type ServerSession struct {
	transport bus.Transport
	session   string
	callID    string
	finished  bool
}

func newServerSession(t bus.Transport, session, callID string) *ServerSession {
	return &ServerSession{transport: t, session: session, callID: callID}
}

// SessionID returns the calling session's identifier.
func (s *ServerSession) SessionID() string { return s.session }

// Respond sends one produced value to the caller.
func (s *ServerSession) Respond(value any) error {
	return s.transport.Reply(s.session, &bus.Reply{
		CallID: s.callID,
		Kind:   bus.ReplyResult,
		Value:  value,
	})
}

// RespondComplete sends a final value and closes the reply stream.
func (s *ServerSession) RespondComplete(value any) error {
	if err := s.Respond(value); err != nil {
		return err
	}
	return s.complete()
}

func (s *ServerSession) complete() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.transport.Reply(s.session, &bus.Reply{
		CallID: s.callID,
		Kind:   bus.ReplyComplete,
	})
}

func (s *ServerSession) fail(msg string) error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.transport.Reply(s.session, &bus.Reply{
		CallID: s.callID,
		Kind:   bus.ReplyError,
		Err:    msg,
	})
}
