package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrGoalID      = attribute.Key("autonomy.goal.id")
	AttrGoalSource  = attribute.Key("autonomy.goal.source")
	AttrGoalRoute   = attribute.Key("autonomy.goal.route")
	AttrIntentionID = attribute.Key("autonomy.intention.id")
	AttrAgent       = attribute.Key("autonomy.agent")
	AttrBranch      = attribute.Key("autonomy.branch")
	AttrStepIndex   = attribute.Key("autonomy.plan.step")
)

// StartSpan starts an internal span, such as one goal execution. A nil
// tracer uses whatever provider the parent span came from.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartClientSpan is StartSpan for calls out to a model provider.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = trace.SpanFromContext(ctx).TracerProvider().Tracer(ScopeName)
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}
