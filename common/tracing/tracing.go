// Package tracing complements the opentracing go package.
package tracing

import (
	"bytes"
	"context"

	"github.com/opentracing/opentracing-go"
)

// SpanContextToBinary marshals the given SpanContext to a binary format using
// the global tracer.
// Returns either the in-memory bytes array or an error.
func SpanContextToBinary(sc opentracing.SpanContext) ([]byte, error) {
	scBinary := []byte{}
	scBuffer := new(bytes.Buffer)

	err := opentracing.GlobalTracer().Inject(sc, opentracing.Binary, scBuffer)
	if err != nil {
		return nil, err
	}

	if scBuffer.Bytes() != nil {
		scBinary = scBuffer.Bytes()
	}

	return scBinary, err
}

// SpanContextFromBinary unmarshals the given byte array containing the
// SpanContext in binary format.
// Returns a new SpanContext instance using the global tracer.
func SpanContextFromBinary(scBinary []byte) (opentracing.SpanContext, error) {
	scReader := bytes.NewReader(scBinary)
	return opentracing.GlobalTracer().Extract(opentracing.Binary, scReader)
}

// SpanContextFromContext returns the binary encoding of the span stored in
// ctx, if any. When there is no span or no tracer is able to encode it, an
// empty blob is returned.
func SpanContextFromContext(ctx context.Context) []byte {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return []byte{}
	}

	scBinary, err := SpanContextToBinary(span.Context())
	if err != nil {
		return []byte{}
	}
	return scBinary
}

// ContextWithSpanContext starts a child span of the given binary span
// context, if one can be decoded, and returns a context carrying it. The
// returned finish function must always be called.
func ContextWithSpanContext(ctx context.Context, operationName string, scBinary []byte) (context.Context, func()) {
	if len(scBinary) == 0 {
		return ctx, func() {}
	}

	sc, err := SpanContextFromBinary(scBinary)
	if err != nil {
		return ctx, func() {}
	}

	span := opentracing.StartSpan(operationName, opentracing.ChildOf(sc))
	return opentracing.ContextWithSpan(ctx, span), span.Finish
}
