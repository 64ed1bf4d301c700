package replies

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSweepInterval is how often the sweeper looks for abandoned replies
const DefaultSweepInterval = 10 * time.Second

type options struct {
	logger         *slog.Logger
	now            func() time.Time
	sweepInterval  time.Duration
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:         slog.Default(),
		now:            time.Now,
		sweepInterval:  DefaultSweepInterval,
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Option configures the store, the reply interceptor and the sweeper
type Option func(*options)

// WithLogger sets the logger. A nil logger is rejected at construction.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSweepInterval sets how often the sweeper runs
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

// WithMeterProvider sets the metric.MeterProvider. The global provider is used by default.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithTracerProvider sets the trace.TracerProvider. The global provider is used by default.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) {
		if provider != nil {
			o.tracerProvider = provider
		}
	}
}
