package store

import (
	"github.com/kart-io/logger"

	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/db"
	dbopts "github.com/stackshq/stacks/pkg/options/db"
)

// WorkerState is one worker's private slice of the store service: an
// exclusive backend connection carrying at most one open transaction. The
// connection is opened on the worker goroutine and never leaves it.
type WorkerState struct {
	dbOpts *dbopts.Options
	conn   *db.Conn
}

// Conn returns the worker's storage connection. Valid after Start.
func (s *WorkerState) Conn() *db.Conn { return s.conn }

// Start opens the backend connection and ensures the schema exists.
func (s *WorkerState) Start() error {
	conn, err := db.Connect(s.dbOpts)
	if err != nil {
		return err
	}
	if err := conn.Handle().AutoMigrate(&Record{}); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	return nil
}

// End closes the backend connection when the worker retires.
func (s *WorkerState) End() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EndSession rolls back any transaction the finished session left open. This
// runs on every session exit path, so a worker never rejoins the idle pool
// holding another caller's half-finished transaction.
func (s *WorkerState) EndSession() error {
	if s.conn == nil || !s.conn.InTransaction() {
		return nil
	}
	logger.Infow("rolling back transaction left open at session end")
	return s.conn.Rollback()
}

// CallError observes handler failures. A failed call does not abort an open
// transaction; the caller decides whether to roll back, and the
// end-of-session safety net covers abandonment.
func (s *WorkerState) CallError(call *bus.Call, err error) {
	logger.Warnw("storage call failed",
		"method", call.Method, "call", call.ID,
		"in-transaction", s.conn != nil && s.conn.InTransaction(), "error", err)
}
