package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deskrelay"

// StartDispatchSpan starts a span for fanning one domain event out.
func StartDispatchSpan(ctx context.Context, channel, kind string, resourceID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("event.channel", channel),
			attribute.String("event.kind", kind),
			attribute.Int64("event.resource_id", resourceID),
		),
	)
}

// StartAuthSpan starts a span for an authenticate attempt.
func StartAuthSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "authenticate",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

// StartQuerySpan starts a span for a get_* snapshot query.
func StartQuerySpan(ctx context.Context, query, key string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "query",
		trace.WithAttributes(
			attribute.String("query.name", query),
			attribute.String("query.key", key),
		),
	)
}
