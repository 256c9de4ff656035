package gateway

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Options configures the gateway server.
type Options struct {
	// Listen is the TCP address external clients connect to.
	Listen string `json:"listen" mapstructure:"listen"`

	// AccountsFile is the path of the gateway accounts document.
	AccountsFile string `json:"accounts-file" mapstructure:"accounts-file"`

	// Institution is the default institution id reported on the wire
	// when an account's org unit cannot be resolved.
	Institution string `json:"institution" mapstructure:"institution"`

	// SCStatusBeforeLogin permits status queries on unauthenticated
	// sessions.
	SCStatusBeforeLogin bool `json:"sc-status-before-login" mapstructure:"sc-status-before-login"`

	// Currency is the currency code reported in payment replies.
	Currency string `json:"currency" mapstructure:"currency"`

	// RecvPoll bounds each blocking receive so sessions observe the
	// shutdown signal between messages.
	RecvPoll time.Duration `json:"recv-poll" mapstructure:"recv-poll"`

	// MaxSessions caps concurrent connections.
	MaxSessions int `json:"max-sessions" mapstructure:"max-sessions"`
}

// NewOptions returns the default gateway configuration.
func NewOptions() *Options {
	return &Options{
		Listen:      "0.0.0.0:6001",
		Institution: "stacks",
		Currency:    "USD",
		RecvPoll:    5 * time.Second,
		MaxSessions: 256,
	}
}

// AddFlags registers the gateway flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "gateway.listen", o.Listen, "Gateway listen address")
	fs.StringVar(&o.AccountsFile, "gateway.accounts-file", o.AccountsFile, "Gateway accounts file")
	fs.StringVar(&o.Institution, "gateway.institution", o.Institution, "Default institution id")
	fs.BoolVar(&o.SCStatusBeforeLogin, "gateway.sc-status-before-login", o.SCStatusBeforeLogin,
		"Allow status queries before login")
	fs.StringVar(&o.Currency, "gateway.currency", o.Currency, "Currency code for payment replies")
	fs.DurationVar(&o.RecvPoll, "gateway.recv-poll", o.RecvPoll, "Receive poll interval")
	fs.IntVar(&o.MaxSessions, "gateway.max-sessions", o.MaxSessions, "Maximum concurrent sessions")
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Listen == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	if o.RecvPoll <= 0 {
		return fmt.Errorf("gateway.recv-poll must be positive, got %s", o.RecvPoll)
	}
	if o.MaxSessions <= 0 {
		return fmt.Errorf("gateway.max-sessions must be positive, got %d", o.MaxSessions)
	}
	return nil
}

// Complete fills in derived values.
func (o *Options) Complete() error { return nil }
