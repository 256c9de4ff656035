package bus

import (
	"sync"
	"time"
)

// ChannelBus is an in-process bus. Services register worker endpoints;
// clients address services by name. Session affinity is enforced by pinning:
// once a session reaches a worker, every subsequent message for that session
// is delivered to the same worker until the worker releases it.
type ChannelBus struct {
	mu           sync.Mutex
	services     map[string]*serviceNode
	closed       bool
	replyTimeout time.Duration
}

// defaultReplyTimeout bounds how long a worker's Reply waits for the client
// to drain its buffered reply stream before the session counts as abandoned.
const defaultReplyTimeout = 30 * time.Second

// Option tunes a ChannelBus.
type Option func(*ChannelBus)

// WithReplyTimeout overrides the reply-stream abandonment bound.
func WithReplyTimeout(d time.Duration) Option {
	return func(b *ChannelBus) { b.replyTimeout = d }
}

type serviceNode struct {
	mu     sync.Mutex
	idle   []*Endpoint
	pinned map[string]*pin
}

type pin struct {
	ep      *Endpoint
	replies chan *Reply
}

// NewChannelBus creates an empty in-process bus.
func NewChannelBus(opts ...Option) *ChannelBus {
	b := &ChannelBus{
		services:     make(map[string]*serviceNode),
		replyTimeout: defaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewEndpoint registers one worker endpoint for the named service and
// returns its transport.
func (b *ChannelBus) NewEndpoint(service string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	node, ok := b.services[service]
	if !ok {
		node = &serviceNode{pinned: make(map[string]*pin)}
		b.services[service] = node
	}

	ep := &Endpoint{
		node:         node,
		deliveries:   make(chan *Delivery, 16),
		done:         make(chan struct{}),
		replyTimeout: b.replyTimeout,
	}

	node.mu.Lock()
	node.idle = append(node.idle, ep)
	node.mu.Unlock()

	return ep
}

// Close shuts down the bus. Registered endpoints are closed as well.
func (b *ChannelBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, node := range b.services {
		node.mu.Lock()
		eps := append([]*Endpoint(nil), node.idle...)
		for _, p := range node.pinned {
			eps = append(eps, p.ep)
		}
		node.mu.Unlock()
		for _, ep := range eps {
			ep.Close()
		}
	}
}

func (b *ChannelBus) node(service string) (*serviceNode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	node, ok := b.services[service]
	if !ok {
		return nil, ErrNoService
	}
	return node, nil
}

// route hands a delivery to the worker pinned to the session, pinning an
// idle worker first when the session has none.
func (b *ChannelBus) route(service string, d *Delivery, replies chan *Reply) error {
	node, err := b.node(service)
	if err != nil {
		return err
	}

	node.mu.Lock()
	p, ok := node.pinned[d.Session]
	if !ok {
		// Sessions that lost their worker (keepalive timeout) must
		// reconnect; only fresh connects and stateless requests may
		// claim a new worker.
		if d.Kind == DeliverDisconnect {
			node.mu.Unlock()
			return ErrNoSession
		}
		if len(node.idle) == 0 {
			node.mu.Unlock()
			return ErrBusy
		}
		ep := node.idle[len(node.idle)-1]
		node.idle = node.idle[:len(node.idle)-1]
		p = &pin{ep: ep, replies: replies}
		node.pinned[d.Session] = p
	}
	node.mu.Unlock()

	select {
	case p.ep.deliveries <- d:
		return nil
	case <-p.ep.done:
		return ErrClosed
	}
}

// Endpoint is the ChannelBus transport handed to one worker.
type Endpoint struct {
	node         *serviceNode
	deliveries   chan *Delivery
	done         chan struct{}
	replyTimeout time.Duration
	closeOnce    sync.Once
}

// Recv implements Transport.
func (ep *Endpoint) Recv(timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ep.deliveries:
		return d, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ep.done:
		return nil, ErrClosed
	}
}

// Reply implements Transport. Reply values are recoded through the payload
// codec before they reach the client. A client that stops draining its
// reply buffer cannot wedge the worker: after the bounded wait the session
// is unpinned and Reply returns ErrAbandoned.
func (ep *Endpoint) Reply(session string, r *Reply) error {
	ep.node.mu.Lock()
	p, ok := ep.node.pinned[session]
	ep.node.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	v, err := recode(r.Value)
	if err != nil {
		return err
	}
	out := *r
	out.Value = v

	timer := time.NewTimer(ep.replyTimeout)
	defer timer.Stop()

	select {
	case p.replies <- &out:
		return nil
	case <-timer.C:
		ep.node.mu.Lock()
		if cur, ok := ep.node.pinned[session]; ok && cur == p {
			delete(ep.node.pinned, session)
		}
		ep.node.mu.Unlock()
		return ErrAbandoned
	case <-ep.done:
		return ErrClosed
	}
}

// Release implements Transport: the session is unpinned and the worker
// rejoins the idle pool.
func (ep *Endpoint) Release(session string) {
	ep.node.mu.Lock()
	defer ep.node.mu.Unlock()
	if p, ok := ep.node.pinned[session]; ok && p.ep == ep {
		delete(ep.node.pinned, session)
	}
	select {
	case <-ep.done:
		return // closed endpoints do not rejoin the pool
	default:
	}
	for _, other := range ep.node.idle {
		if other == ep {
			return
		}
	}
	ep.node.idle = append(ep.node.idle, ep)
}

// Close implements Transport.
func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() {
		close(ep.done)
		ep.node.mu.Lock()
		for i, other := range ep.node.idle {
			if other == ep {
				ep.node.idle = append(ep.node.idle[:i], ep.node.idle[i+1:]...)
				break
			}
		}
		ep.node.mu.Unlock()
	})
	return nil
}
