package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/telecommand/internal/engine"
	"github.com/roach88/telecommand/internal/ir"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "telecommand", cfg.ServiceName)
	assert.Equal(t, ir.EngineVersion, cfg.ServiceVersion)
	assert.Empty(t, cfg.Endpoint)
	assert.False(t, cfg.SetGlobal)
}

func TestNew_LocalProviders(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()

	p, err := New(ctx, Config{}, WithMetricReader(reader), WithSpanProcessor(spans))
	require.NoError(t, err)
	assert.False(t, p.Exporting())

	counter, err := p.MeterProvider().Meter("test").Int64Counter("telecommand.test.total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	_, span := p.TracerProvider().Tracer("test").Start(ctx, "dispatch")
	span.End()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "dispatch", ended[0].Name())

	require.NoError(t, p.Shutdown(ctx))
}

func TestNew_FeedsEngineMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := New(ctx, Config{}, WithMetricReader(reader))
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	m, err := engine.NewMetrics(p.MeterProvider(), p.TracerProvider())
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestNew_WithEndpointConnectsLazily(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := New(ctx, Config{Endpoint: "127.0.0.1:4317", Insecure: true})
	require.NoError(t, err)
	assert.True(t, p.Exporting())
	_, ok := p.TracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelShutdown()
	// Nothing listens on the endpoint; only check that shutdown returns.
	_ = p.Shutdown(shutdownCtx)
}
