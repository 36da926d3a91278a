// Package tracing wires OpenTelemetry spans around runs and session logons
// and injects W3C trace context into engine handshakes.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/torosent/probefire/internal/config"
	"github.com/torosent/probefire/internal/observability"
)

const (
	instrumentationName = "github.com/torosent/probefire"
	defaultServiceName  = "probefire"
)

// Provider owns the tracer used by the orchestrator and the driver. A zero or
// nil Provider hands out a no-op tracer.
type Provider struct {
	tp        *sdktrace.TracerProvider
	tracer    trace.Tracer
	propagate bool
}

// Init builds a Provider from cfg. Without an endpoint (flag, file or
// OTEL_EXPORTER_OTLP_ENDPOINT) no exporter is started and propagation is off.
func Init(ctx context.Context, cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled() {
		return &Provider{}, nil
	}
	endpoint := resolveEndpoint(cfg)

	sampler, err := Sampler(cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(resolveServiceName(cfg)),
			semconv.ServiceVersion(observability.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg, endpoint)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:        tp,
		tracer:    tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(observability.Version)),
		propagate: cfg.ShouldPropagate(),
	}, nil
}

// Sampler maps a sample rate to a parent-based sampler: 1 samples every
// root span, 0 none, anything between by trace id ratio.
func Sampler(rate float64) (sdktrace.Sampler, error) {
	var root sdktrace.Sampler
	switch {
	case rate < 0 || rate > 1:
		return nil, fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0, got %g", rate)
	case rate == 0:
		root = sdktrace.NeverSample()
	case rate == 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root), nil
}

func resolveEndpoint(cfg config.TracingConfig) string {
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		return ep
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func resolveServiceName(cfg config.TracingConfig) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	if env := os.Getenv("OTEL_SERVICE_NAME"); env != "" {
		return env
	}
	return defaultServiceName
}

// Tracer returns the run tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// ShouldPropagate reports whether engines inject trace context into
// websocket handshakes and gRPC metadata.
func (p *Provider) ShouldPropagate() bool {
	return p != nil && p.propagate
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func newExporter(ctx context.Context, cfg config.TracingConfig, endpoint string) (sdktrace.SpanExporter, error) {
	switch protocol := strings.ToLower(cfg.Protocol); protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q: use \"grpc\" or \"http\"", protocol)
	}
}
