package bus

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Client issues calls against services on a ChannelBus. A Client is cheap;
// gateway sessions create one each so their traffic stays isolated.
type Client struct {
	bus *ChannelBus
}

// NewClient creates a client bound to the given bus.
func NewClient(b *ChannelBus) *Client {
	return &Client{bus: b}
}

// Session creates a addressing handle for one service. The session starts
// stateless; Connect pins it to a single worker for multi-call exchanges.
func (c *Client) Session(service string) *ClientSession {
	return &ClientSession{
		client:  c,
		service: service,
		id:      ulid.Make().String(),
		replies: make(chan *Reply, 32),
	}
}

// Request performs a one-shot stateless call and returns its first result.
func (c *Client) Request(service, method string, timeout time.Duration, params ...any) (any, error) {
	ses := c.Session(service)
	pending, err := ses.Request(method, params...)
	if err != nil {
		return nil, err
	}
	return pending.First(timeout)
}

// ClientSession addresses one service, optionally with worker affinity.
type ClientSession struct {
	client    *Client
	service   string
	id        string
	replies   chan *Reply
	connected bool
}

// ID returns the session identifier.
func (s *ClientSession) ID() string { return s.id }

// Connected reports whether the session holds a worker connection.
func (s *ClientSession) Connected() bool { return s.connected }

// Connect pins this session to one worker so that subsequent calls -- and
// any transaction they open -- share worker state.
func (s *ClientSession) Connect(timeout time.Duration) error {
	err := s.client.bus.route(s.service, &Delivery{
		Session: s.id,
		Kind:    DeliverConnect,
	}, s.replies)
	if err != nil {
		return err
	}
	if _, err := s.awaitStatus(timeout); err != nil {
		return err
	}
	s.connected = true
	return nil
}

// Disconnect ends a connected session. The worker runs its end-of-session
// cleanup before acknowledging.
func (s *ClientSession) Disconnect(timeout time.Duration) error {
	if !s.connected {
		return nil
	}
	s.connected = false
	err := s.client.bus.route(s.service, &Delivery{
		Session: s.id,
		Kind:    DeliverDisconnect,
	}, s.replies)
	if err != nil {
		return err
	}
	_, err = s.awaitStatus(timeout)
	return err
}

// Request dispatches one call on this session. Parameters are recoded
// through the payload codec before delivery.
func (s *ClientSession) Request(method string, params ...any) (*Pending, error) {
	encoded, err := recodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("bus: encoding params for %s: %w", method, err)
	}

	call := &Call{
		ID:     ulid.Make().String(),
		Method: method,
		Params: encoded,
	}

	err = s.client.bus.route(s.service, &Delivery{
		Session: s.id,
		Kind:    DeliverRequest,
		Call:    call,
	}, s.replies)
	if err != nil {
		return nil, err
	}

	return &Pending{session: s, callID: call.ID}, nil
}

func (s *ClientSession) awaitStatus(timeout time.Duration) (*Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-s.replies:
			if r.Kind == ReplyStatus {
				return r, nil
			}
			// Stale call replies from an earlier exchange are dropped.
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// Pending is the reply stream of one in-flight call.
type Pending struct {
	session *ClientSession
	callID  string
	done    bool
}

// Next returns the next produced value. The bool result is false once the
// stream has completed. Call failures surface as errors.
func (p *Pending) Next(timeout time.Duration) (any, bool, error) {
	if p.done {
		return nil, false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-p.session.replies:
			if r.CallID != p.callID {
				continue
			}
			switch r.Kind {
			case ReplyResult:
				return r.Value, true, nil
			case ReplyComplete:
				p.done = true
				return nil, false, nil
			case ReplyError:
				p.done = true
				return nil, false, fmt.Errorf("bus: call failed: %s", r.Err)
			}
		case <-timer.C:
			return nil, false, ErrTimeout
		}
	}
}

// First returns the first produced value, then drains the stream to
// completion. A stream that completes without producing yields (nil, nil).
func (p *Pending) First(timeout time.Duration) (any, error) {
	v, ok, err := p.Next(timeout)
	if err != nil || !ok {
		return nil, err
	}
	for {
		_, more, err := p.Next(timeout)
		if err != nil {
			return v, err
		}
		if !more {
			return v, nil
		}
	}
}

// All collects every produced value until the stream completes.
func (p *Pending) All(timeout time.Duration) ([]any, error) {
	var out []any
	for {
		v, ok, err := p.Next(timeout)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
