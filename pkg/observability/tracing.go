package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PoolTracer wraps pool operations in spans named "<pool>.<operation>" and
// mirrors their outcome in an OpenTelemetry counter.
type PoolTracer struct {
	pool       string
	tracer     trace.Tracer
	operations metric.Int64Counter
	durations  metric.Float64Histogram
}

// NewPoolTracer creates a tracer for the named pool using the globally
// configured provider.
func NewPoolTracer(pool string) *PoolTracer {
	m := Meter()
	ops, err := m.Int64Counter("leasepool.operations",
		metric.WithDescription("Pool operations by name and status"))
	if err != nil {
		ops = nil
	}
	durations, err := m.Float64Histogram("leasepool.operation.duration",
		metric.WithDescription("Pool operation duration"),
		metric.WithUnit("s"))
	if err != nil {
		durations = nil
	}

	return &PoolTracer{
		pool:       pool,
		tracer:     Tracer(),
		operations: ops,
		durations:  durations,
	}
}

// Trace runs fn inside a span. The error returned by fn is recorded on the
// span and returned unchanged.
func (pt *PoolTracer) Trace(ctx context.Context, operation string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	if pt == nil {
		return fn(ctx)
	}

	ctx, span := pt.tracer.Start(ctx, fmt.Sprintf("%s.%s", pt.pool, operation),
		trace.WithAttributes(append(attrs,
			attribute.String("pool.name", pt.pool),
			attribute.String("pool.operation", operation),
		)...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	labels := metric.WithAttributes(
		attribute.String("pool", pt.pool),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	if pt.operations != nil {
		pt.operations.Add(ctx, 1, labels)
	}
	if pt.durations != nil {
		pt.durations.Record(ctx, elapsed.Seconds(), labels)
	}

	return err
}

// Event adds a named event to the span carried by ctx, if any.
func Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
