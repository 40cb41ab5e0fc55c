package chatgraph

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const (
	threadIDKey contextKey = "chatgraph_thread_id"
	roundKey    contextKey = "chatgraph_round"
	tracerKey   contextKey = "chatgraph_tracer"
)

// WithThreadID adds the thread ID of the running turn to the context.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey, threadID)
}

// GetThreadID retrieves the thread ID from the context.
func GetThreadID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(threadIDKey).(string)
	return id, ok
}

// WithRound adds the tool dispatch round (1-based) to the context.
func WithRound(ctx context.Context, round int) context.Context {
	if round <= 0 {
		return ctx
	}
	return context.WithValue(ctx, roundKey, round)
}

// GetRound retrieves the tool dispatch round from the context.
func GetRound(ctx context.Context) (int, bool) {
	round, ok := ctx.Value(roundKey).(int)
	return round, ok
}

// WithTracer adds a tracer to the context
func WithTracer(ctx context.Context, tracer Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// GetTracer retrieves the tracer from the context
// Returns nil if no tracer is in the context
func GetTracer(ctx context.Context) Tracer {
	tracer, _ := ctx.Value(tracerKey).(Tracer)
	return tracer
}

// traceIDs returns the OpenTelemetry trace and span IDs active in ctx, if any.
func traceIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}
