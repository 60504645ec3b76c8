// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agent-platform"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartLifecycleSpan 开始生命周期操作 span（create/initialize/activate/...）
func StartLifecycleSpan(ctx context.Context, op string, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "lifecycle."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
}

// StartStoreSpan 开始存储层操作 span
func StartStoreSpan(ctx context.Context, op string, agentID string, tier string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "statestore."+op,
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("store.tier", tier),
		),
	)
}

// StartRecoverySpan 开始灾备恢复 span
func StartRecoverySpan(ctx context.Context, agentID string, geo bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "recovery.recover",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Bool("recovery.geo", geo),
		),
	)
}

// EndSpan 记录错误并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
