// Package tracing wraps OpenTelemetry spans for the event pipeline.
//
// Spans use the global tracer provider. Setup installs an SDK provider whose
// finished spans are written to slog; tests install their own provider.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/telhawk-systems/taskhub-stack"

// Attribute keys shared by all pipeline spans.
const (
	AttrTenantID    = attribute.Key("taskhub.tenant_id")
	AttrEventID     = attribute.Key("taskhub.event_id")
	AttrEventType   = attribute.Key("taskhub.event_type")
	AttrHandlerID   = attribute.Key("taskhub.handler_id")
	AttrAttempt     = attribute.Key("taskhub.attempt")
	AttrOrderingKey = attribute.Key("taskhub.ordering_key")
	AttrMessageID   = attribute.Key("taskhub.message_id")
	AttrOutcome     = attribute.Key("taskhub.outcome")
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Setup installs a global tracer provider that exports finished spans to logger
// at debug level. The returned function flushes and shuts the provider down.
func Setup(serviceName string, logger *slog.Logger) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(NewLogExporter(logger.With(slog.String("service", serviceName)))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// StartDispatchSpan starts the span covering one hub dispatch.
func StartDispatchSpan(ctx context.Context, tenantID, eventID, eventType string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "hub.dispatch",
		trace.WithAttributes(
			AttrTenantID.String(tenantID),
			AttrEventID.String(eventID),
			AttrEventType.String(eventType),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartInvokeSpan starts the span for a single handler invocation attempt.
func StartInvokeSpan(ctx context.Context, handlerID, eventID string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "handler.invoke",
		trace.WithAttributes(
			AttrHandlerID.String(handlerID),
			AttrEventID.String(eventID),
			AttrAttempt.Int(attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartApplySpan starts the span for applying one queue message to the store.
func StartApplySpan(ctx context.Context, orderingKey, messageID string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "queue.apply",
		trace.WithAttributes(
			AttrOrderingKey.String(orderingKey),
			AttrMessageID.String(messageID),
			AttrAttempt.Int(attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
