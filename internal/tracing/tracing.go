// Package tracing provides opt-in OpenTelemetry tracing support for the
// regionflagz server. Tracing is enabled only when the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable is set; otherwise [Init]
// returns a no-op shutdown function and spans go to the global no-op provider.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName = "regionflagz"

	// InstrumentationName names the tracer used by the engine and transports.
	InstrumentationName = "github.com/matt-riley/regionflagz"
)

// Init configures the global OpenTelemetry tracer provider with an OTLP HTTP
// exporter. If OTEL_EXPORTER_OTLP_ENDPOINT is not set, tracing is disabled and
// a no-op shutdown function is returned.
//
// The returned function should be called on server shutdown to flush pending
// spans.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceNameFromEnv()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Span attributes shared by the tracking engine and the transports.
const (
	PlayerKey          = attribute.Key("regionflagz.player")
	FlagKey            = attribute.Key("regionflagz.flag")
	RegionsWatchedKey  = attribute.Key("regionflagz.regions.watched")
	RegionsChangedKey  = attribute.Key("regionflagz.regions.changed")
	HandlesAffectedKey = attribute.Key("regionflagz.handles.affected")
)

// Tracer returns the regionflagz tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// AnnotateValue records the player and flag of a value lookup on the span
// carried by ctx. It is a no-op when ctx holds no recording span.
func AnnotateValue(ctx context.Context, player, flag string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(PlayerKey.String(player), FlagKey.String(flag))
}

// SweepAttributes describes a tick sweep that refreshed handles.
func SweepAttributes(watched, changed, affected int) []attribute.KeyValue {
	return []attribute.KeyValue{
		RegionsWatchedKey.Int(watched),
		RegionsChangedKey.Int(changed),
		HandlesAffectedKey.Int(affected),
	}
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}
