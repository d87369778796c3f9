package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func restoreGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestSetupTracingDisabled(t *testing.T) {
	restoreGlobalProvider(t)

	shutdown, err := SetupTracing(TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetupTracingEnabledInstallsProvider(t *testing.T) {
	restoreGlobalProvider(t)

	// Exporters connect lazily, so no collector is needed until spans are flushed.
	shutdown, err := SetupTracing(TracingConfig{
		Enabled:          true,
		ServiceName:      "enrollment-test",
		ExporterEndpoint: "127.0.0.1:4317",
		ExporterProtocol: "grpc",
		SamplingRatio:    1,
	}, nil)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "sampled")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_ = shutdown(ctx)
}

func TestSetupTracingRejectsUnknownProtocol(t *testing.T) {
	restoreGlobalProvider(t)
	_, err := SetupTracing(TracingConfig{Enabled: true, ExporterProtocol: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}

func TestTracerProviderExportsResource(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider, err := newTracerProvider(TracingConfig{ServiceName: "enrollment-worker", Environment: "test", SamplingRatio: 1}, exporter)
	require.NoError(t, err)

	_, span := provider.Tracer(instrumentationName).Start(context.Background(), "worker.handle")
	span.End()
	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "worker.handle", spans[0].Name)
	assert.Contains(t, spans[0].Resource.Attributes(), attribute.String("service.name", "enrollment-worker"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestClampRatio(t *testing.T) {
	assert.Equal(t, 0.1, clampRatio(0))
	assert.Equal(t, 0.1, clampRatio(-2))
	assert.Equal(t, 0.5, clampRatio(0.5))
	assert.Equal(t, 1.0, clampRatio(3))
}
