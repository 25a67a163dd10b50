package httpmw

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tao-shen/candy-shop-sub000/internal/tracing"
)

// OtelTracing wraps each request in a server span tagged with the session or
// question the route addresses. It is a no-op while tracing is disabled.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(),
			fmt.Sprintf("%s %s", c.Request.Method, path),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.String("request.id", c.GetString("request_id")),
		)
		span.SetAttributes(routeAttributes(c, path)...)
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// routeAttributes names what a candyshop route acts on.
func routeAttributes(c *gin.Context, path string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	id := c.Param("id")
	switch {
	case id == "":
	case strings.Contains(path, "/sessions/"):
		attrs = append(attrs, attribute.String("candyshop.session_id", id))
	case strings.Contains(path, "/questions/"):
		attrs = append(attrs, attribute.String("candyshop.question_id", id))
	}
	if sessionID := c.Query("session_id"); sessionID != "" {
		attrs = append(attrs, attribute.String("candyshop.session_id", sessionID))
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		attrs = append(attrs, attribute.Bool("candyshop.ws_upgrade", true))
	}
	return attrs
}
