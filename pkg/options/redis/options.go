// Package redis provides Redis configuration options for the bridge-token
// store.
package redis

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// Options contains Redis connection configuration.
type Options struct {
	// Enabled switches the gateway's bridge-token store from the
	// in-process store to Redis.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Addr is the host:port of the Redis server.
	Addr string `json:"addr" mapstructure:"addr"`

	// Password authenticates, when set.
	Password string `json:"password" mapstructure:"password"`

	// DB selects the logical database.
	DB int `json:"db" mapstructure:"db"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `json:"dial-timeout" mapstructure:"dial-timeout"`
}

// NewOptions returns defaults: Redis disabled, local server when enabled.
func NewOptions() *Options {
	return &Options{
		Addr:        "127.0.0.1:6379",
		DialTimeout: 5 * time.Second,
	}
}

// AddFlags registers Redis flags on the given flag set.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Enabled, "redis.enabled", o.Enabled, "Store bridge sessions in Redis")
	fs.StringVar(&o.Addr, "redis.addr", o.Addr, "Redis server address")
	fs.StringVar(&o.Password, "redis.password", o.Password, "Redis password")
	fs.IntVar(&o.DB, "redis.db", o.DB, "Redis logical database")
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Enabled && o.Addr == "" {
		return fmt.Errorf("redis enabled but no address configured")
	}
	return nil
}

// Complete fills in derived defaults.
func (o *Options) Complete() error { return nil }

// NewClient builds a Redis client from the options.
func (o *Options) NewClient() goredis.UniversalClient {
	return goredis.NewClient(&goredis.Options{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		DialTimeout: o.DialTimeout,
	})
}
