// Package db wraps the backend data store behind a connection type with
// explicit transaction state. A Conn belongs to exactly one worker
// goroutine; transaction safety across the platform comes from that
// affinity, not from locking, so the type carries no mutex.
package db

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	mysqldriver "gorm.io/driver/mysql"
	postgresdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	dbopts "github.com/stackshq/stacks/pkg/options/db"
)

var (
	// ErrNested is returned by Begin when a transaction is already open.
	ErrNested = errors.New("db: transaction already in progress")
	// ErrNoTransaction is returned by Commit/Rollback with no open
	// transaction.
	ErrNoTransaction = errors.New("db: no transaction in progress")
)

// Conn is a single backend connection with at most one open transaction.
type Conn struct {
	db *gorm.DB
	tx *gorm.DB
}

// Connect opens a connection per the given options.
func Connect(opts *dbopts.Options) (*Conn, error) {
	var dialector gorm.Dialector

	switch opts.Driver {
	case dbopts.DriverMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			opts.Username, opts.Password, opts.Host, opts.Port, opts.Database)
		dialector = mysqldriver.Open(dsn)
	case dbopts.DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s application_name=%s sslmode=disable",
			opts.Host, opts.Port, opts.Username, opts.Password, opts.Database, opts.Application)
		dialector = postgresdriver.Open(dsn)
	case dbopts.DriverSQLite:
		dialector = sqlite.Open(opts.Database)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", opts.Driver)
	}

	logLevel := gormlogger.Silent
	if opts.LogSQL {
		logLevel = gormlogger.Info
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connecting to %s: %w", opts.Driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: acquiring pool handle: %w", err)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return &Conn{db: gdb}, nil
}

// FromGorm wraps an existing gorm handle. Used by tests.
func FromGorm(gdb *gorm.DB) *Conn {
	return &Conn{db: gdb}
}

// Handle returns the handle statements should run on: the open transaction
// when one exists, otherwise the base connection.
func (c *Conn) Handle() *gorm.DB {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// InTransaction reports whether a transaction is open.
func (c *Conn) InTransaction() bool { return c.tx != nil }

// Begin opens a transaction. Nesting is not supported.
func (c *Conn) Begin() error {
	if c.tx != nil {
		return ErrNested
	}
	tx := c.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("db: begin: %w", tx.Error)
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	err := c.tx.Commit().Error
	c.tx = nil
	if err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction.
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	err := c.tx.Rollback().Error
	c.tx = nil
	if err != nil {
		return fmt.Errorf("db: rollback: %w", err)
	}
	return nil
}

// Close rolls back any open transaction and closes the connection.
func (c *Conn) Close() error {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
