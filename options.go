package keel

import (
	"log/slog"
	"time"
)

// Options configures a Coordinator.
type Options struct {
	// Path is the store database path. Required.
	Path string

	// Logger receives structured diagnostics. Nil disables logging.
	Logger *slog.Logger

	// TransportFactory builds one transport per initialized session. Required
	// only when Sessions() is used.
	TransportFactory TransportFactory

	// QueuePollInterval overrides how often the queue worker polls for due
	// messages. Zero selects the default.
	QueuePollInterval time.Duration
}

// Option configures Options using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options to an Options struct.
func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// WithPath sets the store database path.
func WithPath(path string) Option {
	return func(o *Options) {
		o.Path = path
	}
}

// WithLogger sets the logger for diagnostics.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithTransportFactory sets the factory building one transport per session.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *Options) {
		o.TransportFactory = factory
	}
}

// WithQueuePollInterval overrides the queue worker's poll interval.
// Intended for tests that want tight delivery latency.
func WithQueuePollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.QueuePollInterval = d
	}
}
