package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

type otelOptions struct {
	endpointURL string
	headers     map[string]string
	grpc        bool
}

// Option configures InitOpenTelemetry
type Option func(*otelOptions)

// WithOTLPEndpoint exports spans over OTLP/HTTP to url, e.g.
// http://localhost:4318/v1/traces. Without it spans stay in process.
func WithOTLPEndpoint(url string, headers map[string]string) Option {
	return func(o *otelOptions) {
		o.endpointURL = url
		o.headers = headers
	}
}

// WithGRPC switches the OTLP exporter to gRPC, e.g. for
// http://localhost:4317
func WithGRPC() Option {
	return func(o *otelOptions) {
		o.grpc = true
	}
}

func newExporter(o otelOptions) (sdktrace.SpanExporter, error) {
	if o.grpc {
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpointURL(o.endpointURL),
			otlptracegrpc.WithHeaders(o.headers),
		)
	}
	return otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpointURL(o.endpointURL),
		otlptracehttp.WithHeaders(o.headers),
	)
}

// InitOpenTelemetry initializes a process-wide OpenTelemetry tracer provider.
// It is safe to call multiple times; only the first call takes effect.
func InitOpenTelemetry(serviceName string, opts ...Option) error {
	providerOnce.Do(func() {
		var o otelOptions
		for _, opt := range opts {
			opt(&o)
		}

		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
			sdktrace.WithResource(res),
		}
		if o.endpointURL != "" {
			exporter, err := newExporter(o)
			if err != nil {
				providerErr = fmt.Errorf("failed to create OTLP trace exporter: %w", err)
				return
			}
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}

		tp := sdktrace.NewTracerProvider(tpOpts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and ensures trace_id is propagated in the tracing context package.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// InjectHeaders writes the W3C trace context of ctx into an outgoing request header
func InjectHeaders(ctx context.Context, header map[string][]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}
