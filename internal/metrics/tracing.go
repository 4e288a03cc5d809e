package metrics

import (
	"context"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by every core span.
const TracerName = "aura-core"

// Tracer returns the global tracer for core spans.
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }

func noShutdown(context.Context) error { return nil }

// SetupOTelFromEnv installs an OTLP/HTTP tracer provider when
// AURA_OTEL_ENABLE or OTEL_EXPORTER_OTLP_ENDPOINT is set. The caller defers
// the returned shutdown; ok reports whether tracing is on.
// AURA_OTEL_SAMPLE_RATIO (0..1, default 1) sets parent-based sampling.
func SetupOTelFromEnv(service string) (shutdown func(context.Context) error, ok bool) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if os.Getenv("AURA_OTEL_ENABLE") == "" && endpoint == "" {
		return noShutdown, false
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		log.Printf("otel exporter init failed: %v", err)
		return noShutdown, false
	}
	if service == "" {
		service = TracerName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(service),
		semconv.ServiceVersionKey.String(buildVersion()),
	))
	if err != nil {
		res = resource.Default()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, true
}

func sampleRatio() float64 {
	v := os.Getenv("AURA_OTEL_SAMPLE_RATIO")
	if v == "" {
		return 1
	}
	r, err := strconv.ParseFloat(v, 64)
	if err != nil || r < 0 || r > 1 {
		log.Printf("ignoring AURA_OTEL_SAMPLE_RATIO=%q", v)
		return 1
	}
	return r
}

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "devel"
}
