package replies

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/glimte/mmate-async/replies"

// CorrelationIDAttribute is the span attribute carrying the awaited correlation id
const CorrelationIDAttribute attribute.Key = "mmate.correlation_id"

type instruments struct {
	tracer   trace.Tracer
	captured metric.Int64Counter
	claimed  metric.Int64Counter
	evicted  metric.Int64Counter
}

func newInstruments(o *options) (*instruments, error) {
	meter := o.meterProvider.Meter(instrumentationName)
	ins := &instruments{
		tracer: o.tracerProvider.Tracer(instrumentationName),
	}

	var err error
	if ins.captured, err = meter.Int64Counter(
		"mmate.replies.captured",
		metric.WithUnit("{reply}"),
		metric.WithDescription("Replies diverted from the inbound pipeline into the correlation store."),
	); err != nil {
		return nil, fmt.Errorf("replies: failed to register metric: %w", err)
	}

	if ins.claimed, err = meter.Int64Counter(
		"mmate.replies.claimed",
		metric.WithUnit("{reply}"),
		metric.WithDescription("Replies removed from the correlation store by their waiter."),
	); err != nil {
		return nil, fmt.Errorf("replies: failed to register metric: %w", err)
	}

	if ins.evicted, err = meter.Int64Counter(
		"mmate.replies.evicted",
		metric.WithUnit("{reply}"),
		metric.WithDescription("Unclaimed replies evicted by the sweeper after exceeding the max age."),
	); err != nil {
		return nil, fmt.Errorf("replies: failed to register metric: %w", err)
	}

	return ins, nil
}
