package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "milestoneescrow"

// Metrics holds the escrow instruments. A nil *Metrics records nothing.
type Metrics struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	custody     metric.Int64Counter
}

// NewMetrics builds instruments on mp and tp. Nil providers fall back to the
// otel globals.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &Metrics{tracer: tp.Tracer(instrumentationName)}
	var err error

	m.transitions, err = meter.Int64Counter("escrow.operations.total",
		metric.WithDescription("Escrow operations by name and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: operations counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram("escrow.operation.duration",
		metric.WithDescription("Escrow operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: duration histogram: %w", err)
	}

	m.custody, err = meter.Int64Counter("escrow.custody.amount",
		metric.WithDescription("Value moved through custody by class and outcome"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: custody counter: %w", err)
	}

	return m, nil
}

// Start opens a span for op. The returned func ends it and records the
// outcome label ("ok" or an error class).
func (m *Metrics) Start(ctx context.Context, op string) (context.Context, func(outcome string, err error)) {
	if m == nil {
		return ctx, func(string, error) {}
	}
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "escrow."+op)

	return ctx, func(outcome string, err error) {
		attrs := metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		)
		m.transitions.Add(ctx, 1, attrs)
		m.duration.Record(ctx, time.Since(started).Seconds(), attrs)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}
}

// RecordCustody counts a custody movement.
func (m *Metrics) RecordCustody(ctx context.Context, class string, amount int64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.custody.Add(ctx, amount, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	))
}
