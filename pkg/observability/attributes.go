package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrOperation = attribute.Key("accord.operation")
	AttrAgent     = attribute.Key("accord.agent")
	AttrAction    = attribute.Key("accord.action")
	AttrSequence  = attribute.Key("accord.event.sequence")
	AttrLevel     = attribute.Key("accord.verification.level")
	AttrCheck     = attribute.Key("accord.check")
	AttrPassed    = attribute.Key("accord.check.passed")
	AttrSource    = attribute.Key("accord.violation.source")
	AttrSeverity  = attribute.Key("accord.severity")
	AttrContract  = attribute.Key("accord.contract.id")
	AttrAnchorID  = attribute.Key("accord.anchor.id")
)

// EventAttributes describes an event on a span.
func EventAttributes(agent, action string, sequence uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgent.String(agent),
		AttrAction.String(action),
		AttrSequence.Int64(int64(sequence)),
	}
}

// MessageAttributes describes an inter-agent message on a span.
func MessageAttributes(sender, receiver, action, contractID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("accord.message.sender", sender),
		attribute.String("accord.message.receiver", receiver),
		AttrAction.String(action),
	}
	if contractID != "" {
		attrs = append(attrs, AttrContract.String(contractID))
	}
	return attrs
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
