// Package telemetry holds the OpenTelemetry handles used across causalog.
//
// No exporter is installed here. Spans and measurements go to whatever
// providers the host registered with otel.SetTracerProvider and
// otel.SetMeterProvider, and are dropped by the global no-op providers
// otherwise.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/causalog/internal/ir"
)

// InstrumentationName identifies causalog spans and instruments.
const InstrumentationName = "github.com/roach88/causalog"

// Tracer returns the causalog tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName, trace.WithInstrumentationVersion(ir.SubstrateVersion))
}

// Metrics are the pipeline and replay instruments.
type Metrics struct {
	invocations metric.Int64Counter
	parked      metric.Int64UpDownCounter
	appendDur   metric.Float64Histogram
	replayed    metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName, metric.WithInstrumentationVersion(ir.SubstrateVersion))

	var (
		m   Metrics
		err error
	)
	m.invocations, err = meter.Int64Counter("causalog.invocations",
		metric.WithDescription("Invocations by final state"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}
	m.parked, err = meter.Int64UpDownCounter("causalog.invocations.waiting",
		metric.WithDescription("Invocations parked on missing ancestors"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}
	m.appendDur, err = meter.Float64Histogram("causalog.append.duration",
		metric.WithDescription("Latency of durable appends"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}
	m.replayed, err = meter.Int64Counter("causalog.replay.entries",
		metric.WithDescription("Entries replayed by entry type"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordInvocation counts an invocation reaching a terminal state.
func (m *Metrics) RecordInvocation(ctx context.Context, scope ir.Scope, state string, kind ir.Kind) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("scope.kind", string(scope.Kind())),
		attribute.String("state", state),
	}
	if kind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(kind)))
	}
	m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Parked adjusts the number of waiting invocations by delta.
func (m *Metrics) Parked(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.parked.Add(ctx, delta)
}

// RecordAppend records how long a durable append took.
func (m *Metrics) RecordAppend(ctx context.Context, t ir.EntryType, d time.Duration) {
	if m == nil {
		return
	}
	m.appendDur.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("entry.type", string(t))))
}

// RecordReplayed counts one replayed entry.
func (m *Metrics) RecordReplayed(ctx context.Context, t ir.EntryType) {
	if m == nil {
		return
	}
	m.replayed.Add(ctx, 1, metric.WithAttributes(attribute.String("entry.type", string(t))))
}

// Failed marks span as failed with err.
func Failed(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", string(ir.KindOf(err))))
}
