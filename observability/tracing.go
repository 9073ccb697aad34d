package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/songzhibin97/approval-engine"

// Standard attribute keys for engine spans.
var (
	AttrInstanceID   = attribute.Key("approval.instance_id")
	AttrDefinitionID = attribute.Key("approval.definition_id")
	AttrNodeID       = attribute.Key("approval.node_id")
	AttrAction       = attribute.Key("approval.action")
	AttrActorID      = attribute.Key("approval.actor_id")
)

// Tracer returns the engine tracer from the global provider. Spans are no-ops
// unless the application installs an SDK provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
