package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "costgate"

// StartCheckSpan starts a span for a quota check.
func StartCheckSpan(ctx context.Context, userID, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "quota.check",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("session.id", sessionID),
		),
	)
}

// StartResolveSpan starts a span for tier resolution.
func StartResolveSpan(ctx context.Context, userID string, roles []string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "quota.resolve",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.StringSlice("user.roles", roles),
		),
	)
}

// StartUsageSpan starts a span for recording a usage delta.
func StartUsageSpan(ctx context.Context, userID, modelID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "usage.record",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("model.id", modelID),
		),
	)
}
