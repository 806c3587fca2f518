package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for autopilot spans.
var (
	AttrTaskID       = attribute.Key("autopilot.task.id")
	AttrDecisionHash = attribute.Key("autopilot.decision.hash")
	AttrEntityID     = attribute.Key("autopilot.entity.id")
	AttrSnapshotID   = attribute.Key("autopilot.snapshot.id")
	AttrIntentID     = attribute.Key("autopilot.intent.id")
	AttrJobID        = attribute.Key("autopilot.job.id")
	AttrMode         = attribute.Key("autopilot.mode")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
