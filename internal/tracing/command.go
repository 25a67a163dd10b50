package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const commandTracerName = "candyshop-command"

func commandTracer() trace.Tracer {
	return Tracer(commandTracerName)
}

// TraceCommand starts a client span for a request/response call to the agent server.
// Caller must call span.End() when the response is received.
func TraceCommand(ctx context.Context, operation, method, path string) (context.Context, trace.Span) {
	ctx, span := commandTracer().Start(ctx, "opencode."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	return ctx, span
}

// TraceCommandResult records response attributes on the span.
func TraceCommandResult(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceExchange starts a span covering one exchange from prompt to terminal signal.
func TraceExchange(ctx context.Context, sessionID, exchangeID string, resumed bool) (context.Context, trace.Span) {
	ctx, span := commandTracer().Start(ctx, "session.exchange",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("exchange_id", exchangeID),
		attribute.Bool("resumed", resumed),
	)
	return ctx, span
}

// TraceExchangeResult records how an exchange ended.
func TraceExchangeResult(span trace.Span, outcome string, parts int, err error) {
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("parts", parts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
