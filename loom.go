// Package loom is the module's composition root: the loom.Options
// configuration surface and the Open helper that wires a sqlite-backed
// Store, replay Engine, and Worker pool from it, the way an embedding
// application (or cmd/loom) would rather than constructing each package
// by hand.
package loom

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/engine"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store/sqlite"
	"github.com/loomrun/loom/worker"
)

// Options collects the configuration surface: how many worker goroutines
// poll for tasks and how often, the activity policy every registered
// activity falls back to when it leaves a field unset, and where the
// default embedded store persists its database file.
type Options struct {
	WorkerCount           int
	PollIntervalMs        int
	DefaultRetryCount     int
	DefaultTimeoutSeconds int
	BackoffBaseMs         int
	BackoffCapMs          int
	StorePath             string
	Logger                *slog.Logger
}

// Option configures Options.
type Option func(*Options)

// WithWorkerCount sets the number of concurrent polling goroutines.
func WithWorkerCount(n int) Option {
	return func(o *Options) { o.WorkerCount = n }
}

// WithPollInterval sets the delay, in milliseconds, between empty polls.
func WithPollInterval(ms int) Option {
	return func(o *Options) { o.PollIntervalMs = ms }
}

// WithDefaultRetryCount sets the retry count an activity falls back to
// when its own policy leaves it unset.
func WithDefaultRetryCount(n int) Option {
	return func(o *Options) { o.DefaultRetryCount = n }
}

// WithDefaultTimeoutSeconds sets the per-attempt timeout an activity
// falls back to when its own policy leaves it unset.
func WithDefaultTimeoutSeconds(n int) Option {
	return func(o *Options) { o.DefaultTimeoutSeconds = n }
}

// WithBackoffBaseMs sets the initial retry backoff, in milliseconds.
func WithBackoffBaseMs(ms int) Option {
	return func(o *Options) { o.BackoffBaseMs = ms }
}

// WithBackoffCapMs sets the maximum retry backoff, in milliseconds.
func WithBackoffCapMs(ms int) Option {
	return func(o *Options) { o.BackoffCapMs = ms }
}

// WithStorePath sets the sqlite database file path.
func WithStorePath(path string) Option {
	return func(o *Options) { o.StorePath = path }
}

// WithLogger sets the structured logger shared by the store, engine, and
// worker Open constructs.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// NewOptions applies opts over the documented defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		WorkerCount:           4,
		PollIntervalMs:        500,
		DefaultRetryCount:     3,
		DefaultTimeoutSeconds: 30,
		BackoffBaseMs:         1000,
		BackoffCapMs:          300_000,
		StorePath:             "loom.db",
		Logger:                slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ActivityPolicy converts the activity.* keys into the policy the engine
// applies to any registered activity that leaves a field unset.
func (o Options) ActivityPolicy() core.ActivityPolicy {
	return core.ActivityPolicy{
		RetryCount:     o.DefaultRetryCount,
		TimeoutSeconds: o.DefaultTimeoutSeconds,
		BackoffBaseMs:  o.BackoffBaseMs,
		BackoffCapMs:   o.BackoffCapMs,
	}
}

// PollInterval is PollIntervalMs as a time.Duration.
func (o Options) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// Open wires a sqlite-backed Store, replay Engine, and Worker pool from
// opts against reg. The caller owns reg's contents (workflow and
// activity registration) and is responsible for eventually closing the
// returned Backend.
func Open(reg *registry.Registry, opts ...Option) (*sqlite.Backend, *engine.Engine, *worker.Worker, error) {
	o := NewOptions(opts...)

	b, err := sqlite.New(o.StorePath, sqlite.WithLogger(o.Logger))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "opening store")
	}

	e := engine.New(b, reg,
		engine.WithDefaultActivityPolicy(o.ActivityPolicy()),
		engine.WithLogger(o.Logger),
	)
	w := worker.New(b, reg, e,
		worker.WithPollers(o.WorkerCount),
		worker.WithPollInterval(o.PollInterval()),
		worker.WithLogger(o.Logger),
	)

	return b, e, w, nil
}
