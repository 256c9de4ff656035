// Package pool wraps ants with the small amount of bookkeeping the gateway
// needs: named pools, submission stats, and panic containment so one
// misbehaving connection handler cannot take the process down.
package pool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrPoolClosed is returned when submitting to a released pool.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrPoolOverload is returned when a non-blocking pool is saturated.
	ErrPoolOverload = errors.New("pool: overloaded")
)

// Config tunes a worker pool.
type Config struct {
	// Capacity is the maximum number of concurrent tasks.
	Capacity int
	// ExpiryDuration is how long idle pool goroutines linger.
	ExpiryDuration time.Duration
	// Nonblocking makes Submit fail instead of waiting when saturated.
	Nonblocking bool
}

// DefaultConfig suits a connection-per-task server.
func DefaultConfig() *Config {
	return &Config{
		Capacity:       256,
		ExpiryDuration: 30 * time.Second,
		Nonblocking:    true,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Rejected  int64
	Panics    int64
}

// Pool is a named, bounded goroutine pool.
type Pool struct {
	name      string
	pool      *ants.Pool
	closed    atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// New creates a pool with the given configuration.
func New(name string, cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{name: name}

	inner, err := ants.NewPool(cfg.Capacity,
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithPanicHandler(func(r any) {
			p.panics.Add(1)
			logger.Errorw("pool task panic recovered", "pool", name, "panic", r)
		}),
	)
	if err != nil {
		return nil, err
	}
	p.pool = inner

	logger.Infow("worker pool created", "pool", name, "capacity", cfg.Capacity)
	return p, nil
}

// Submit runs a task on the pool.
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	err := p.pool.Submit(func() {
		defer p.completed.Add(1)
		task()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			p.rejected.Add(1)
			return ErrPoolOverload
		}
		return err
	}
	p.submitted.Add(1)
	return nil
}

// Running returns the number of in-flight tasks.
func (p *Pool) Running() int { return p.pool.Running() }

// Stats returns a counter snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}

// Release shuts the pool down immediately.
func (p *Pool) Release() {
	if p.closed.CompareAndSwap(false, true) {
		p.pool.Release()
		logger.Infow("worker pool released", "pool", p.name)
	}
}

// ReleaseTimeout shuts the pool down, waiting up to timeout for in-flight
// tasks.
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	if p.closed.CompareAndSwap(false, true) {
		return p.pool.ReleaseTimeout(timeout)
	}
	return nil
}
