package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is the service.name resource attribute when none is configured.
const DefaultServiceName = "scm-dev-kpi"

const tracerName = "scm-dev-kpi"

const (
	TraceModeOff      = "off"
	TraceModeErrors   = "errors"
	TraceModeSampled  = "sampled"
	TraceModeDetailed = "detailed"
)

var globalTraceMode atomic.Value

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
	// SpanProcessors are registered on the provider, e.g. an exporter pipeline or a test recorder.
	SpanProcessors []sdktrace.SpanProcessor
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider. Collection cycles get one root span each,
// and remote calls get child spans only in detailed mode.
func Setup(cfg Config) (Runtime, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	mode := normalizeTraceMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = TraceModeOff
	}
	setTraceMode(mode)

	resourceConfig, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return Runtime{}, err
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(resourceConfig),
	}
	for _, processor := range cfg.SpanProcessors {
		if processor != nil {
			options = append(options, sdktrace.WithSpanProcessor(processor))
		}
	}

	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	clamped := clampRatio(ratio)

	switch normalizeTraceMode(mode) {
	case TraceModeOff:
		return sdktrace.NeverSample()
	case TraceModeDetailed:
		return sdktrace.AlwaysSample()
	case TraceModeErrors:
		if clamped <= 0 {
			clamped = 0.01
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamped))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamped))
	}
}

// TraceMode reports the configured global trace mode.
func TraceMode() string {
	mode, _ := globalTraceMode.Load().(string)
	if mode == "" {
		return TraceModeOff
	}
	return mode
}

// ShouldTraceDependencies reports if per-request dependency spans should be emitted.
func ShouldTraceDependencies() bool {
	return TraceMode() == TraceModeDetailed
}

func setTraceMode(mode string) {
	globalTraceMode.Store(normalizeTraceMode(mode))
}

func normalizeTraceMode(mode string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(mode)); normalized {
	case TraceModeOff, TraceModeErrors, TraceModeDetailed:
		return normalized
	default:
		return TraceModeSampled
	}
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}
