package chatgraph

import (
	"context"
	"time"
)

// Tracer defines the interface for tracing turns.
// One trace covers one turn; spans cover completions, tool calls, title generation and the commit.
type Tracer interface {
	// StartTrace creates a new trace context for the turn
	// Returns a context with the trace attached and a function to end the trace
	StartTrace(ctx context.Context, name string, opts ...TraceOption) (context.Context, func())

	// StartSpan creates a new span within the current trace
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, func())

	// LogGeneration records a completion call
	LogGeneration(ctx context.Context, opts GenerationOptions) error

	// SetSpanOutput sets the output on the current span
	SetSpanOutput(ctx context.Context, output any) error

	// RecordError marks the current span as failed
	RecordError(ctx context.Context, err error)

	// Flush ensures all pending traces are sent (important for short-lived applications)
	Flush(ctx context.Context) error
}

// TraceOption configures trace creation
type TraceOption func(*TraceConfig)

// SpanOption configures span creation
type SpanOption func(*SpanConfig)

// TraceConfig holds configuration for a trace
type TraceConfig struct {
	// SessionID groups related traces (the thread ID)
	SessionID string
	// Input is the user message of the turn
	Input any
	// Metadata stores arbitrary key-value data
	Metadata map[string]any
	// StartTime overrides the trace start time
	StartTime *time.Time
}

// SpanConfig holds configuration for a span
type SpanConfig struct {
	Type     SpanType
	Input    any
	Metadata map[string]any
}

// SpanType represents the type of observation
type SpanType string

const (
	SpanTypeSpan       SpanType = "span"
	SpanTypeGeneration SpanType = "generation"
	SpanTypeTool       SpanType = "tool"
)

// LogLevel represents the severity level
type LogLevel string

const (
	LogLevelDefault LogLevel = "DEFAULT"
	LogLevelError   LogLevel = "ERROR"
)

// GenerationOptions holds data for a completion call
type GenerationOptions struct {
	Name                string
	Model               string
	ModelParameters     map[string]any
	Input               any
	Output              any
	Usage               *UsageInfo
	Metadata            map[string]any
	StartTime           time.Time
	EndTime             time.Time
	CompletionStartTime *time.Time
	Level               LogLevel
	StatusMessage       string
}

// UsageInfo tracks token consumption
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func WithSessionID(sessionID string) TraceOption {
	return func(c *TraceConfig) {
		c.SessionID = sessionID
	}
}

func WithTraceInput(input any) TraceOption {
	return func(c *TraceConfig) {
		c.Input = input
	}
}

func WithTraceStartTime(t time.Time) TraceOption {
	return func(c *TraceConfig) {
		c.StartTime = &t
	}
}

func WithMetadata(metadata map[string]any) TraceOption {
	return func(c *TraceConfig) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			c.Metadata[k] = v
		}
	}
}

func WithSpanType(spanType SpanType) SpanOption {
	return func(c *SpanConfig) {
		c.Type = spanType
	}
}

func WithSpanInput(input any) SpanOption {
	return func(c *SpanConfig) {
		c.Input = input
	}
}

func WithSpanMetadata(metadata map[string]any) SpanOption {
	return func(c *SpanConfig) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			c.Metadata[k] = v
		}
	}
}

// NoOpTracer is a tracer that does nothing (used when tracing is disabled)
type NoOpTracer struct{}

func (n *NoOpTracer) StartTrace(ctx context.Context, name string, opts ...TraceOption) (context.Context, func()) {
	return ctx, func() {}
}

func (n *NoOpTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, func()) {
	return ctx, func() {}
}

func (n *NoOpTracer) LogGeneration(ctx context.Context, opts GenerationOptions) error {
	return nil
}

func (n *NoOpTracer) SetSpanOutput(ctx context.Context, output any) error {
	return nil
}

func (n *NoOpTracer) RecordError(ctx context.Context, err error) {}

func (n *NoOpTracer) Flush(ctx context.Context) error {
	return nil
}

func isNoOpTracer(t Tracer) bool {
	_, ok := t.(*NoOpTracer)
	return ok
}
