// Package db provides storage configuration options shared by the services
// that own backend database connections.
package db

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Supported driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options contains database connection configuration.
type Options struct {
	// Driver selects the backend: mysql, postgres, or sqlite.
	Driver string `json:"driver" mapstructure:"driver"`

	// Host and Port locate the server (ignored for sqlite).
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// Username and Password authenticate (ignored for sqlite).
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`

	// Database is the schema name, or the file path for sqlite.
	Database string `json:"database" mapstructure:"database"`

	// Application is reported to the server for per-connection
	// identification in backend session listings.
	Application string `json:"application" mapstructure:"application"`

	// MaxIdleConns and ConnMaxLifetime tune the underlying pool. Workers
	// hold exclusive connections, so these stay small.
	MaxIdleConns    int           `json:"max-idle-conns" mapstructure:"max-idle-conns"`
	ConnMaxLifetime time.Duration `json:"conn-max-lifetime" mapstructure:"conn-max-lifetime"`

	// LogSQL enables statement logging.
	LogSQL bool `json:"log-sql" mapstructure:"log-sql"`
}

// NewOptions returns defaults: a local postgres database.
func NewOptions() *Options {
	return &Options{
		Driver:          DriverPostgres,
		Host:            "127.0.0.1",
		Port:            5432,
		Database:        "stacks",
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// AddFlags registers database flags on the given flag set.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Driver, "db.driver", o.Driver, "Database driver (mysql|postgres|sqlite)")
	fs.StringVar(&o.Host, "db.host", o.Host, "Database host")
	fs.IntVar(&o.Port, "db.port", o.Port, "Database port")
	fs.StringVar(&o.Username, "db.username", o.Username, "Database user")
	fs.StringVar(&o.Password, "db.password", o.Password, "Database password")
	fs.StringVar(&o.Database, "db.database", o.Database, "Database name (file path for sqlite)")
	fs.BoolVar(&o.LogSQL, "db.log-sql", o.LogSQL, "Log SQL statements")
}

// Validate checks the options.
func (o *Options) Validate() error {
	switch o.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", o.Driver)
	}
	if o.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

// Complete fills in derived defaults.
func (o *Options) Complete() error {
	if o.Port == 0 {
		switch o.Driver {
		case DriverMySQL:
			o.Port = 3306
		case DriverPostgres:
			o.Port = 5432
		}
	}
	return nil
}
