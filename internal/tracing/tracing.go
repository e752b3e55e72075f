// Package tracing wires up an OpenTelemetry TracerProvider for the
// Sentinel decoder's state-machine transitions (internal/tbenc/decrypt),
// with an exporter selected at runtime by config.TracingConfig.
//
// Grounded on the teacher's own otel usage (internal/metrics.go reads
// trace.SpanFromContext(ctx).SpanContext() to attach Prometheus
// exemplars) and its go.mod, which already carries
// go.opentelemetry.io/otel/sdk plus the jaeger, otlptracegrpc, and
// stdouttrace exporters as direct dependencies without a single
// provider-construction call site in the retrieved files — this package
// is that missing wiring, built from the sdk's documented
// NewTracerProvider/WithBatcher/WithResource idiom.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustbridge/tbenc/internal/config"
)

// Provider wraps a configured TracerProvider and its shutdown hook.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a Provider from cfg. Exporter "none" (the default)
// returns a Provider backed by an sdktrace.TracerProvider with no
// exporter — spans are created but never exported, which keeps call sites identical regardless of
// whether tracing is enabled.
func NewProvider(ctx context.Context, cfg config.TracingConfig) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "tbenc-sentinel"
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "", "none":
		return &Provider{tp: sdktrace.NewTracerProvider()}, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "jaeger":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp}, nil
}

// Tracer returns a named tracer from the underlying provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Register installs this provider as the process-wide default, so
// packages that call otel.Tracer(name) directly (rather than holding a
// *Provider) pick it up too.
func (p *Provider) Register() {
	otel.SetTracerProvider(p.tp)
}

// Shutdown flushes any pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
