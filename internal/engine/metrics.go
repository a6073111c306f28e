package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/telecommand/internal/ir"
)

const instrumentationName = "github.com/roach88/telecommand/engine"

// Metrics records dispatch counters, verification latency and dispatch
// spans. A nil *Metrics records nothing.
type Metrics struct {
	tracer trace.Tracer

	dispatched    metric.Int64Counter
	rejected      metric.Int64Counter
	outcomes      metric.Int64Counter
	verifyLatency metric.Float64Histogram
	activeWatches metric.Int64UpDownCounter
}

// NewMetrics creates instruments on the given providers. Nil providers fall
// back to the otel globals.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion(ir.EngineVersion))
	m := &Metrics{
		tracer: tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(ir.EngineVersion)),
	}

	var err error
	m.dispatched, err = meter.Int64Counter("telecommand.dispatch.total",
		metric.WithDescription("Commands handed to the uplink"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch counter: %w", err)
	}

	m.rejected, err = meter.Int64Counter("telecommand.rejected.total",
		metric.WithDescription("Commands blocked before or during transmission"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("rejected counter: %w", err)
	}

	m.outcomes, err = meter.Int64Counter("telecommand.outcome.total",
		metric.WithDescription("Finalized history records by status"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("outcome counter: %w", err)
	}

	m.verifyLatency, err = meter.Float64Histogram("telecommand.verification.duration",
		metric.WithDescription("Time from dispatch to verification outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("verification histogram: %w", err)
	}

	m.activeWatches, err = meter.Int64UpDownCounter("telecommand.verification.active",
		metric.WithDescription("Verifier watches currently running"),
		metric.WithUnit("{watch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("active watches: %w", err)
	}

	return m, nil
}

func commandAttrs(key ir.CommandKey) attribute.Set {
	return attribute.NewSet(
		attribute.String("command.namespace", key.Namespace),
		attribute.String("command.id", key.ID),
	)
}

// startDispatch opens a span around one transmission.
func (m *Metrics) startDispatch(ctx context.Context, inv ir.Invocation, origin ir.Origin) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "telecommand.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("command.key", inv.Key().String()),
			attribute.String("origin.kind", string(origin.Kind)),
		),
	)
}

func (m *Metrics) recordDispatched(ctx context.Context, key ir.CommandKey) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributeSet(commandAttrs(key)))
}

func (m *Metrics) recordRejected(ctx context.Context, key ir.CommandKey, status ir.RecordStatus) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command.key", key.String()),
		attribute.String("status", string(status)),
	))
}

func (m *Metrics) recordOutcome(ctx context.Context, rec ir.HistoryRecord) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command.key", rec.Key().String()),
		attribute.String("status", string(rec.Status)),
	))
	if rec.FinalizedAt != nil && !rec.DispatchTime.IsZero() {
		m.verifyLatency.Record(ctx, rec.FinalizedAt.Sub(rec.DispatchTime).Seconds(),
			metric.WithAttributeSet(commandAttrs(rec.Key())))
	}
}

func (m *Metrics) watchStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeWatches.Add(ctx, 1)
}

func (m *Metrics) watchEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeWatches.Add(ctx, -1)
}
