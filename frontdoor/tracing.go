package frontdoor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// NewTracerProvider builds an OTLP/gRPC-exporting TracerProvider for the
// front door's request tracing middleware. With otlpEndpoint empty no
// exporter is registered: spans are still started and ended, but they are
// not exported anywhere.
func NewTracerProvider(ctx context.Context, otlpEndpoint string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("tenement"),
	))
	if err != nil {
		return nil, fmt.Errorf("frontdoor: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if otlpEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("frontdoor: build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// tracingMiddleware is the outermost layer of the front door's handler
// chain: every request gets a span, before the subdomain dispatcher or
// auth ever run.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("tenement/frontdoor")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", r.Host),
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		span.SetAttributes(attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()))
	})
}
