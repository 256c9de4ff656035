// stacks-sipd is the legacy wire-protocol gateway daemon. It embeds the
// object-storage service on an in-process bus and bridges external protocol
// sessions into it.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/stackshq/stacks/internal/gateway"
	"github.com/stackshq/stacks/internal/store"
	"github.com/stackshq/stacks/pkg/app"
	"github.com/stackshq/stacks/pkg/bridge"
	"github.com/stackshq/stacks/pkg/bridge/auth"
	"github.com/stackshq/stacks/pkg/bus"
	loggeropts "github.com/stackshq/stacks/pkg/options/logger"
	redisopts "github.com/stackshq/stacks/pkg/options/redis"
)

type options struct {
	Log     *loggeropts.Options `mapstructure:"log"`
	Store   *store.Options      `mapstructure:"store"`
	Gateway *gateway.Options    `mapstructure:"gateway"`
	Redis   *redisopts.Options  `mapstructure:"redis"`

	// TokenKey signs bridge auth tokens; TokenTTL bounds their life.
	TokenKey string        `mapstructure:"token-key"`
	TokenTTL time.Duration `mapstructure:"token-ttl"`
}

func newOptions() *options {
	return &options{
		Log:      loggeropts.NewOptions(),
		Store:    store.NewOptions(),
		Gateway:  gateway.NewOptions(),
		Redis:    redisopts.NewOptions(),
		TokenTTL: 8 * time.Hour,
	}
}

func (o *options) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	o.Store.AddFlags(fs)
	o.Gateway.AddFlags(fs)
	o.Redis.AddFlags(fs)
	fs.StringVar(&o.TokenKey, "token-key", o.TokenKey, "Bridge token signing key")
	fs.DurationVar(&o.TokenTTL, "token-ttl", o.TokenTTL, "Bridge token lifetime")
}

func (o *options) Complete() error {
	for _, c := range []interface{ Complete() error }{o.Log, o.Store, o.Gateway, o.Redis} {
		if err := c.Complete(); err != nil {
			return err
		}
	}
	return nil
}

func (o *options) Validate() error {
	for _, v := range []interface{ Validate() error }{o.Log, o.Store, o.Gateway, o.Redis} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if o.TokenKey == "" {
		return fmt.Errorf("token-key is required")
	}
	if o.Gateway.AccountsFile == "" {
		return fmt.Errorf("gateway.accounts-file is required")
	}
	return nil
}

func main() {
	opts := newOptions()
	app.NewApp(
		app.WithName("stacks-sipd"),
		app.WithDescription("Legacy wire-protocol gateway for the stacks platform"),
		app.WithOptions(opts),
		app.WithRunFunc(func() error { return run(opts) }),
	).Run()
}

func run(opts *options) error {
	if err := opts.Log.Init(); err != nil {
		return err
	}

	b := bus.NewChannelBus()
	defer b.Close()

	rt, err := store.Start(b, opts.Store)
	if err != nil {
		return err
	}
	defer rt.Stop()

	accounts, err := gateway.LoadAccounts(opts.Gateway.AccountsFile)
	if err != nil {
		return err
	}
	if err := accounts.Watch(); err != nil {
		return err
	}
	defer accounts.Close()

	var tokens auth.Store
	if opts.Redis.Enabled {
		tokens = auth.NewRedisStore(opts.Redis.NewClient())
	} else {
		tokens = auth.NewMemoryStore()
	}
	authSvc := auth.NewLocalService([]byte(opts.TokenKey), opts.TokenTTL, tokens)

	meta := rt.Env().Metadata()
	deps := gateway.Deps{
		NewEditor: func() bridge.Editor {
			return bridge.NewBusEditor(bus.NewClient(b), meta, store.ServiceName)
		},
		Auth: authSvc,
	}

	srv, err := gateway.NewServer(opts.Gateway, accounts, deps)
	if err != nil {
		return err
	}
	return srv.Run()
}
