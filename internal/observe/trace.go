package observe

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for Hearthline spans.
const tracerName = "github.com/hearthline-ai/hearthline"

// StartSpan starts a span on the globally registered tracer provider. The
// returned context carries the span; callers must call End on the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying id, generating one when id is
// empty. The correlation id ties together log lines, spans and journal rows
// for a single call.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from ctx, or "" when absent.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
