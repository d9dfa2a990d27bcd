package tracing

import (
	"context"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/require"
)

func TestNoopTracer(t *testing.T) {
	require := require.New(t)

	require.Empty(SpanContextFromContext(context.Background()), "no span should give an empty blob")

	span := opentracing.NoopTracer{}.StartSpan("parent")
	ctx := opentracing.ContextWithSpan(context.Background(), span)
	require.Empty(SpanContextFromContext(ctx), "noop tracer should give an empty blob")

	ctx, finish := ContextWithSpanContext(context.Background(), "op", nil)
	defer finish()
	require.Nil(opentracing.SpanFromContext(ctx), "empty blob should not start a span")
}
