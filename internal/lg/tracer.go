package lg

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

var tracerKey = contextKey{"tracer"}

// Tracer returns the tracer installed by Init or the global one.
func Tracer(ctx context.Context) trace.Tracer {
	if t := fromContext[contextKey, trace.Tracer](ctx, tracerKey); t != nil {
		return t
	}
	return otel.Tracer("")
}

// Span starts a span named after the calling function.
func Span(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name, attrs := caller(2)
	opts = append(opts, trace.WithAttributes(attrs...))

	return Tracer(ctx).Start(ctx, name, opts...)
}

// Fork starts a span for work that outlives the caller. The new context keeps
// the values of ctx but not its cancellation, and links back to the parent span.
func Fork(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name, attrs := caller(2)
	opts = append(opts,
		trace.WithAttributes(attrs...),
		trace.WithLinks(trace.Link{SpanContext: trace.SpanContextFromContext(ctx)}),
		trace.WithNewRoot(),
	)

	return Tracer(ctx).Start(context.WithoutCancel(ctx), name, opts...)
}

func caller(skip int) (string, []attribute.KeyValue) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", nil
	}

	name := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	return name, []attribute.KeyValue{
		semconv.CodeFunctionKey.String(name),
		semconv.CodeFilepathKey.String(file),
		semconv.CodeLineNumberKey.Int(line),
	}
}

func initTracing(ctx context.Context, name string) (context.Context, func() error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(readBuildInfo(name).attributes()...),
	)
	if err != nil {
		log.Println(wrap(err, "failed to create trace resource"))
		return ctx, nil
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if endpoint := env("TRACE_ENDPOINT", ""); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithEndpoint(endpoint),
		)
		if err != nil {
			log.Println(wrap(err, "failed to create trace exporter"))
			return ctx, nil
		}
		opts = append(opts,
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		)
	}

	tracerProvider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx = toContext(ctx, tracerKey, tracerProvider.Tracer(name))

	return ctx, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		defer log.Println("tracer stopped")
		return wrap(tracerProvider.Shutdown(ctx), "failed to shutdown TracerProvider")
	}
}

func wrap(err error, s string) error {
	if err != nil {
		return fmt.Errorf(s+": %w", err)
	}
	return nil
}

// Htrace wraps h so every request gets a server span called name.
func Htrace(h http.Handler, name string) http.Handler {
	return otelhttp.NewHandler(h, name)
}
