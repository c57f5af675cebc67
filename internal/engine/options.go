package engine

import (
	"log/slog"
	"time"
)

const (
	// DefaultNoEventBackoff is the shortest wait when no event is available.
	DefaultNoEventBackoff = 250 * time.Millisecond

	// DefaultStoreUnavailableBackoff is the wait after the store was unavailable.
	DefaultStoreUnavailableBackoff = time.Second

	// DefaultEventWaitTimeout bounds a watcher wait so failing partitions
	// and out-of-band state changes are re-checked.
	DefaultEventWaitTimeout = time.Minute

	// DefaultMaxRetryWait bounds a wait for a failing stream's retry time so
	// operator changes to a parked state are picked up.
	DefaultMaxRetryWait = time.Minute
)

type options struct {
	clock                   Clock
	logger                  *slog.Logger
	metrics                 *Metrics
	observer                SuspensionObserver
	noEventBackoff          time.Duration
	storeUnavailableBackoff time.Duration
	eventWaitTimeout        time.Duration
	maxRetryWait            time.Duration
}

// Option configures stream processors and registries.
type Option func(*options)

func buildOptions(opts []Option) options {
	o := options{
		clock:                   SystemClock{},
		logger:                  slog.Default(),
		noEventBackoff:          DefaultNoEventBackoff,
		storeUnavailableBackoff: DefaultStoreUnavailableBackoff,
		eventWaitTimeout:        DefaultEventWaitTimeout,
		maxRetryWait:            DefaultMaxRetryWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSuspensionObserver registers a callback invoked at every suspension.
func WithSuspensionObserver(fn SuspensionObserver) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// WithNoEventBackoff sets the shortest wait when no event is available.
func WithNoEventBackoff(d time.Duration) Option {
	return func(o *options) {
		o.noEventBackoff = d
	}
}

// WithStoreUnavailableBackoff sets the wait after the store was unavailable.
func WithStoreUnavailableBackoff(d time.Duration) Option {
	return func(o *options) {
		o.storeUnavailableBackoff = d
	}
}

// WithEventWaitTimeout bounds watcher waits.
func WithEventWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.eventWaitTimeout = d
	}
}

// WithMaxRetryWait bounds waits for a failing stream's retry time.
func WithMaxRetryWait(d time.Duration) Option {
	return func(o *options) {
		o.maxRetryWait = d
	}
}
