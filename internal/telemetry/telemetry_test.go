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

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	assert.Error(t, err)
}

func TestTracerProviderEmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()

	tp, shutdown, err := newTracerProviderWithExporter(exp, Config{ServiceName: "crucible-test", ServiceVersion: "v0"})
	require.NoError(t, err)

	tr := tp.Tracer("test")
	_, sp := tr.Start(context.Background(), "root.span")
	sp.End()

	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "root.span", spans[0].Name)

	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") {
			found = kv.Value.AsString() == "crucible-test"
		}
	}
	assert.True(t, found, "resource should carry service.name")

	require.NoError(t, shutdown(context.Background()))
}

func TestStartRunSpanCarriesCorrelation(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := newTracerProviderWithExporter(exp, Config{ServiceName: "crucible-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartRunSpan(context.Background())
	TagRun(span, "run-1", "trace-1")
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "crucible.run", spans[0].Name)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "run-1", attrs["crucible.run_id"])
	assert.Equal(t, "trace-1", attrs["crucible.trace_id"])
}
