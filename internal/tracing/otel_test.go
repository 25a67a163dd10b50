package tracing

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestEndpointHost(t *testing.T) {
	tests := map[string]string{
		"http://collector:4318":   "collector:4318",
		"https://collector:4318/": "collector:4318",
		"collector:4318":          "collector:4318",
	}
	for in, want := range tests {
		if got := endpointHost(in); got != want {
			t.Errorf("endpointHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(0).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Errorf("sampler(0) = %s", got)
	}
	if got := sampler(0.25).Description(); got != sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description() {
		t.Errorf("sampler(0.25) = %s", got)
	}
}

func TestDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if err := Init(context.Background(), Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Enabled() {
		t.Fatal("tracing enabled without an endpoint")
	}

	_, span := TraceCommand(context.Background(), "list sessions", "GET", "/session")
	TraceCommandResult(span, 502, errors.New("bad gateway"))
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("no-op span has a valid context")
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
