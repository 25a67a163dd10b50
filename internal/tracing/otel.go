// Package tracing provides shared OTel tracer initialization for the session
// client and the gateway.
//
// Spans are exported only when an OTLP endpoint is configured, either through
// Init or OTEL_EXPORTER_OTLP_ENDPOINT. Otherwise a no-op tracer is used.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "candyshop"

// Options configures the exporter.
type Options struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector, with or without scheme.
	Endpoint string
	// SampleRatio in (0, 1]; zero samples everything.
	SampleRatio float64
}

var (
	mu             sync.Mutex
	initialized    bool
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init installs the tracer provider. Only the first call has an effect; later
// calls and Tracer see the same provider.
func Init(ctx context.Context, opts Options) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return nil
	}
	initialized = true
	return setup(ctx, opts)
}

func setup(ctx context.Context, opts Options) error {
	if opts.Endpoint == "" {
		opts.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if opts.Endpoint == "" {
		return nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(opts.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
	return nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(endpoint, prefix); ok {
			return strings.TrimSuffix(rest, "/")
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// Tracer returns a named tracer. Initializes from the environment when Init
// was never called. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	if !initialized {
		initialized = true
		_ = setup(context.Background(), Options{})
	}
	tp := tracerProvider
	mu.Unlock()
	return tp.Tracer(name)
}

// Enabled reports whether spans are exported.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return sdkProvider != nil
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	mu.Unlock()
	if p != nil {
		return p.Shutdown(ctx)
	}
	return nil
}
