package telemetry

import (
	"context"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup 初始化 OpenTelemetry tracing。
//
// tracing 是可选的：endpoint 为空时返回空操作的 shutdown，不注册全局 provider，
// 各组件里的 otel.Tracer 调用退化为 no-op。
// 返回的 shutdown 会冲刷未导出的 span，调用方应在退出前调用。
func Setup(ctx context.Context, endpoint, serviceName, role string, logger *log.Logger) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return noop, nil
	}
	if logger == nil {
		logger = log.Default()
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("island.role", role),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	logger.Printf("[Telemetry] ✅ exporting traces to %s", endpoint)
	return tp.Shutdown, nil
}
