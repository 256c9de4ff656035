// Package gateway implements the legacy wire-protocol gateway: a TCP server
// accepting fixed-field protocol sessions and bridging them into the
// backend service bus. One session per connection, one goroutine per
// session, one process-wide shutdown flag.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kart-io/logger"

	"github.com/stackshq/stacks/pkg/pool"
)

// Server accepts connections and runs one Session per connection on a
// bounded pool.
type Server struct {
	opts     *Options
	accounts *AccountSet
	deps     Deps
	pool     *pool.Pool

	ln       net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// NewServer builds a gateway server.
func NewServer(opts *Options, accounts *AccountSet, deps Deps) (*Server, error) {
	cfg := pool.DefaultConfig()
	cfg.Capacity = opts.MaxSessions
	p, err := pool.New("gateway-sessions", cfg)
	if err != nil {
		return nil, err
	}
	return &Server{opts: opts, accounts: accounts, deps: deps, pool: p}, nil
}

// Run listens and serves until Shutdown is called or a termination signal
// arrives. Sessions observe the shutdown flag between messages and finish
// their current exchange before exiting.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listening on %s: %w", s.opts.Listen, err)
	}
	s.ln = ln

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		got, ok := <-sig
		if !ok {
			return
		}
		logger.Infow("gateway received signal", "signal", got.String())
		s.Shutdown()
	}()
	defer signal.Stop(sig)

	logger.Infow("gateway listening",
		"addr", s.opts.Listen, "max-sessions", s.opts.MaxSessions)

	s.serve()

	s.wg.Wait()
	s.pool.ReleaseTimeout(10 * time.Second)
	logger.Infow("gateway stopped", "sessions", s.pool.Stats().Submitted)
	return nil
}

// serve is the accept loop. Accepts use a bounded deadline so the shutdown
// flag is observed even when no clients connect.
func (s *Server) serve() {
	tcp, _ := s.ln.(*net.TCPListener)

	for {
		if s.shutdown.Load() {
			return
		}

		if tcp != nil {
			tcp.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Errorw("gateway accept failed", "error", err)
			continue
		}

		ses := NewSession(conn, s.opts, s.accounts, s.deps, &s.shutdown)
		s.wg.Add(1)
		err = s.pool.Submit(func() {
			defer s.wg.Done()
			ses.Run()
		})
		if err != nil {
			s.wg.Done()
			logger.Warnw("gateway session rejected",
				"session", ses.ID(), "peer", conn.RemoteAddr(), "error", err)
			conn.Close()
		}
	}
}

// Shutdown signals every session and the accept loop to exit.
func (s *Server) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
}
