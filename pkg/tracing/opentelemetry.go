package tracing

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
	"github.com/run-bigpig/aiguard-anthropic/pkg/exchange"
	"github.com/run-bigpig/aiguard-anthropic/pkg/interfaces"
)

// OTelTracer implements tracing using OpenTelemetry
type OTelTracer struct {
	tracer      trace.Tracer
	provider    *sdktrace.TracerProvider
	enabled     bool
	serviceName string
}

// OTelConfig contains configuration for OpenTelemetry
type OTelConfig struct {
	// Enabled determines whether OpenTelemetry tracing is enabled
	Enabled bool

	// ServiceName is the name of the service
	ServiceName string

	// CollectorEndpoint is the endpoint of the OpenTelemetry collector
	CollectorEndpoint string
}

// NewOTelTracer creates a new OpenTelemetry tracer exporting over OTLP/gRPC
func NewOTelTracer(config OTelConfig) (*OTelTracer, error) {
	if !config.Enabled {
		return &OTelTracer{
			enabled: false,
		}, nil
	}

	ctx := context.Background()
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &OTelTracer{
		tracer:      tp.Tracer(config.ServiceName),
		provider:    tp,
		enabled:     true,
		serviceName: config.ServiceName,
	}, nil
}

// NewOTelTracerWithProvider creates a tracer on an existing provider
func NewOTelTracerWithProvider(provider trace.TracerProvider, serviceName string) *OTelTracer {
	return &OTelTracer{
		tracer:      provider.Tracer(serviceName),
		enabled:     true,
		serviceName: serviceName,
	}
}

// Enabled reports whether spans are recorded
func (t *OTelTracer) Enabled() bool {
	return t != nil && t.enabled
}

// StartSpan starts a new span
func (t *OTelTracer) StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, trace.Span) {
	if !t.Enabled() {
		return ctx, trace.SpanFromContext(ctx)
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes)+1)
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	if id, err := exchange.GetID(ctx); err == nil {
		attrs = append(attrs, attribute.String("exchange_id", id))
	}

	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends a span
func (t *OTelTracer) EndSpan(span trace.Span, err error) {
	if !t.Enabled() {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes and stops the exporter, if this tracer owns one
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// GuardOTelMiddleware wraps a Guard with OpenTelemetry tracing
type GuardOTelMiddleware struct {
	guard  interfaces.Guard
	tracer *OTelTracer
}

// NewGuardOTelMiddleware creates a new GuardOTelMiddleware
func NewGuardOTelMiddleware(guard interfaces.Guard, tracer *OTelTracer) *GuardOTelMiddleware {
	return &GuardOTelMiddleware{
		guard:  guard,
		tracer: tracer,
	}
}

// Guard implements interfaces.Guard
func (m *GuardOTelMiddleware) Guard(ctx context.Context, req aiguard.GuardRequest) (*aiguard.GuardResult, error) {
	attributes := map[string]string{
		"ai_guard.recipe":         req.Recipe,
		"ai_guard.messages.count": fmt.Sprintf("%d", len(req.Input.Messages)),
	}

	ctx, span := m.tracer.StartSpan(ctx, "ai_guard.guard", attributes)

	result, err := m.guard.Guard(ctx, req)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("ai_guard.blocked", result.Blocked),
			attribute.Bool("ai_guard.transformed", result.Transformed),
		)
	}

	m.tracer.EndSpan(span, err)
	return result, err
}

// MessagesOTelMiddleware wraps a MessageService with OpenTelemetry tracing
type MessagesOTelMiddleware struct {
	messages interfaces.MessageService
	tracer   *OTelTracer
}

// NewMessagesOTelMiddleware creates a new MessagesOTelMiddleware
func NewMessagesOTelMiddleware(messages interfaces.MessageService, tracer *OTelTracer) *MessagesOTelMiddleware {
	return &MessagesOTelMiddleware{
		messages: messages,
		tracer:   tracer,
	}
}

// New implements interfaces.MessageService
func (m *MessagesOTelMiddleware) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	attributes := map[string]string{
		"model":          string(body.Model),
		"messages.count": fmt.Sprintf("%d", len(body.Messages)),
	}

	ctx, span := m.tracer.StartSpan(ctx, "anthropic.messages.new", attributes)

	resp, err := m.messages.New(ctx, body, opts...)
	if err == nil {
		span.SetAttributes(
			attribute.String("response.id", resp.ID),
			attribute.String("response.stop_reason", string(resp.StopReason)),
			attribute.Int64("usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int64("usage.output_tokens", resp.Usage.OutputTokens),
		)
	}

	m.tracer.EndSpan(span, err)
	return resp, err
}

// NewStreaming implements interfaces.MessageService. Only stream creation is
// covered by the span.
func (m *MessagesOTelMiddleware) NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	ctx, span := m.tracer.StartSpan(ctx, "anthropic.messages.new_streaming", map[string]string{
		"model": string(body.Model),
	})
	stream := m.messages.NewStreaming(ctx, body, opts...)
	var err error
	if stream != nil {
		err = stream.Err()
	}
	m.tracer.EndSpan(span, err)
	return stream
}
