// stacks-store hosts the generic object-storage service: a worker pool
// publishing derived per-class CRUD methods plus transaction control over
// the service bus.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/logger"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/stackshq/stacks/internal/store"
	"github.com/stackshq/stacks/pkg/app"
	"github.com/stackshq/stacks/pkg/bus"
	loggeropts "github.com/stackshq/stacks/pkg/options/logger"
)

type options struct {
	Log   *loggeropts.Options `mapstructure:"log"`
	Store *store.Options      `mapstructure:"store"`
}

func newOptions() *options {
	return &options{
		Log:   loggeropts.NewOptions(),
		Store: store.NewOptions(),
	}
}

func (o *options) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	o.Store.AddFlags(fs)
}

func (o *options) Complete() error {
	if err := o.Log.Complete(); err != nil {
		return err
	}
	return o.Store.Complete()
}

func (o *options) Validate() error {
	if err := o.Log.Validate(); err != nil {
		return err
	}
	return o.Store.Validate()
}

func main() {
	opts := newOptions()
	app.NewApp(
		app.WithName("stacks-store"),
		app.WithDescription("Generic object-storage service for the stacks platform"),
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

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	logger.Infow("shutting down", "signal", got.String())

	rt.Stop()
	return nil
}
