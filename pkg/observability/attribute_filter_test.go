package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/lineage/pkg/observability"
)

func filteredSpanAttrs(t *testing.T, logger *slog.Logger, attrs ...attribute.KeyValue) map[string]any {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(observability.NewAttributeFilter(sdktrace.NewSimpleSpanProcessor(exporter), logger)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := tp.Tracer("test").Start(context.Background(), "sync")
	span.SetAttributes(attrs...)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	out := make(map[string]any)
	for _, kv := range spans[0].Attributes {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}

	return out
}

func TestAttributeFilterKeepsSyncAttributes(t *testing.T) {
	t.Parallel()

	attrs := filteredSpanAttrs(t, nil,
		attribute.Int("lineage.commits.new", 3),
		attribute.String("repo.identity", "abc"),
		attribute.Int("provenance.steps", 9),
		attribute.String("error.type", "timeout"),
	)

	assert.Equal(t, int64(3), attrs["lineage.commits.new"])
	assert.Equal(t, "abc", attrs["repo.identity"])
	assert.Equal(t, int64(9), attrs["provenance.steps"])
	assert.Equal(t, "timeout", attrs["error.type"])
}

func TestAttributeFilterStripsPersonalData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, nil))

	attrs := filteredSpanAttrs(t, logger,
		attribute.String("email", "dev@example.com"),
		attribute.String("author", "dev"),
		attribute.String("path", "/home/dev/repo"),
		attribute.String("user.name", "dev"),
		attribute.String("unlisted", "x"),
		attribute.Int("commits", 1),
	)

	assert.Equal(t, map[string]any{"commits": int64(1)}, attrs)
	assert.Contains(t, buf.String(), "attribute blocked by filter")
}
