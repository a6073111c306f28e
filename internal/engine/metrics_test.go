package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/uplink"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) (sums map[string]int64, histCounts map[string]uint64) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums = make(map[string]int64)
	histCounts = make(map[string]uint64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histCounts[m.Name] += dp.Count
				}
			}
		}
	}
	return sums, histCounts
}

func TestMetricsCountDispatchesAndOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	m, err := NewMetrics(mp, tp)
	require.NoError(t, err)
	f := newFixture(t, WithMetrics(m))
	ctx := waitCtx(t)

	_, err = f.engine.Execute(ctx, noop("a"))
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, noop("bad"))
	require.Error(t, err)
	f.up.fail(uplink.NewTransportError(uplink.ErrBusy, ""))
	_, err = f.engine.Execute(ctx, noop("c"))
	require.Error(t, err)

	sums, hists := collect(t, reader)
	assert.Equal(t, int64(1), sums["telecommand.dispatch.total"])
	assert.Equal(t, int64(2), sums["telecommand.rejected.total"])
	assert.Equal(t, int64(3), sums["telecommand.outcome.total"])
	assert.Equal(t, int64(0), sums["telecommand.verification.active"])
	assert.Equal(t, uint64(3), hists["telecommand.verification.duration"])

	ended := spans.Ended()
	require.Len(t, ended, 2, "one span per transmission attempt")
	for _, s := range ended {
		assert.Equal(t, "telecommand.dispatch", s.Name())
	}
	assert.Equal(t, "transport: BUSY", ended[1].Status().Description)
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	ctx, span := m.startDispatch(context.Background(), noop("a"), ir.Origin{Kind: ir.OriginDirect})
	span.End()
	m.recordDispatched(ctx, noopDef().Key())
	m.watchStarted(ctx)
	m.watchEnded(ctx)
}
