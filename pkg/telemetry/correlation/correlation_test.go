package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "run-1")
	ctx, id := EnsureCorrelationID(ctx)
	assert.Equal(t, "run-1", id)
	assert.Equal(t, "run-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	assert.Len(t, id, 26)
	assert.Equal(t, id, ExtractCorrelationID(ctx))
}

func TestContextWithRemoteSpan(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	sc := trace.SpanContextFromContext(ctx)
	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())

	unchanged := ContextWithRemoteSpan(context.Background(), "bad", "00f067aa0ba902b7")
	assert.False(t, trace.SpanContextFromContext(unchanged).IsValid())
}
