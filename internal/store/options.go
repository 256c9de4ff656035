package store

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	dbopts "github.com/stackshq/stacks/pkg/options/db"
	"github.com/stackshq/stacks/pkg/runtime"
)

// Options configures the store service.
type Options struct {
	// MetadataFile is the path of the class-registry JSON document.
	MetadataFile string `json:"metadata-file" mapstructure:"metadata-file"`

	// Workers is the worker pool size.
	Workers int `json:"workers" mapstructure:"workers"`

	// Keepalive bounds silence within a connected session.
	Keepalive time.Duration `json:"keepalive" mapstructure:"keepalive"`

	// DB configures the backend connection each worker opens.
	DB *dbopts.Options `json:"db" mapstructure:"db"`

	// Runtime is derived from the fields above by Complete.
	Runtime *runtime.Options `json:"-" mapstructure:"-"`
}

// NewOptions returns the default store configuration.
func NewOptions() *Options {
	rt := runtime.NewOptions()
	return &Options{
		MetadataFile: "configs/metadata.json",
		Workers:      rt.Workers,
		Keepalive:    rt.Keepalive,
		DB:           dbopts.NewOptions(),
	}
}

// AddFlags registers the service flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.MetadataFile, "store.metadata-file", o.MetadataFile, "Class registry JSON file")
	fs.IntVar(&o.Workers, "store.workers", o.Workers, "Worker pool size")
	fs.DurationVar(&o.Keepalive, "store.keepalive", o.Keepalive, "Connected session keepalive timeout")
	o.DB.AddFlags(fs)
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Workers <= 0 {
		return fmt.Errorf("store.workers must be positive, got %d", o.Workers)
	}
	if o.Keepalive <= 0 {
		return fmt.Errorf("store.keepalive must be positive, got %s", o.Keepalive)
	}
	if o.MetadataFile == "" {
		return fmt.Errorf("store.metadata-file is required")
	}
	return o.DB.Validate()
}

// Complete fills in derived values.
func (o *Options) Complete() error {
	rt := runtime.NewOptions()
	rt.Workers = o.Workers
	rt.Keepalive = o.Keepalive
	o.Runtime = rt
	return o.DB.Complete()
}
