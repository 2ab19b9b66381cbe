package flow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording every event as a short-lived
// OpenTelemetry span, letting a flow's steps show up in distributed traces
// alongside the business services its step bodies call out to.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps a tracer obtained via otel.Tracer("flowforge").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()

	span.SetAttributes(
		attribute.String("flow.id", event.FlowID),
		attribute.String("flow.kind", event.FlowKind),
		attribute.String("flow.step", event.StepName),
	)
	if event.Type == "StepFailed" || event.Type == "FlowFailed" {
		span.SetStatus(codes.Error, event.Message)
	}
}

func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		o.Emit(e)
	}
	return nil
}

func (o *OTelEmitter) Flush(context.Context) error { return nil }
