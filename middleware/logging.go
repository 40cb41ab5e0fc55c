package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/darkostanimirovic/chatgraph/providers"
)

type startKey struct{ name string }

var (
	turnStartKey = startKey{"turn"}
	toolStartKey = startKey{"tool"}
	llmStartKey  = startKey{"llm"}
)

// Logging logs every hook with its duration.
type Logging struct {
	BaseMiddleware
	logger *slog.Logger
}

// NewLogging returns a middleware that writes to logger, or slog.Default when nil.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

func (l *Logging) OnTurnStart(ctx context.Context, threadID, input string) context.Context {
	l.logger.InfoContext(ctx, "turn started", "thread_id", threadID, "input_length", len(input))
	return context.WithValue(ctx, turnStartKey, time.Now())
}

func (l *Logging) OnTurnComplete(ctx context.Context, threadID, output string, err error) {
	attrs := []any{"thread_id", threadID, "output_length", len(output), "duration", since(ctx, turnStartKey)}
	if err != nil {
		l.logger.ErrorContext(ctx, "turn failed", append(attrs, "error", err)...)
		return
	}
	l.logger.InfoContext(ctx, "turn completed", attrs...)
}

func (l *Logging) OnToolStart(ctx context.Context, tool string, _ any) context.Context {
	l.logger.DebugContext(ctx, "tool started", "tool", tool)
	return context.WithValue(ctx, toolStartKey, time.Now())
}

func (l *Logging) OnToolComplete(ctx context.Context, tool string, _ any, err error) {
	if err != nil {
		l.logger.WarnContext(ctx, "tool failed", "tool", tool, "duration", since(ctx, toolStartKey), "error", err)
		return
	}
	l.logger.DebugContext(ctx, "tool completed", "tool", tool, "duration", since(ctx, toolStartKey))
}

func (l *Logging) OnLLMCall(ctx context.Context, req any) context.Context {
	if r, ok := req.(providers.CompletionRequest); ok {
		l.logger.DebugContext(ctx, "completion requested", "model", r.Model, "messages", len(r.Messages), "tools", len(r.Tools))
	}
	return context.WithValue(ctx, llmStartKey, time.Now())
}

func (l *Logging) OnLLMResponse(ctx context.Context, resp any, err error) {
	if err != nil {
		l.logger.WarnContext(ctx, "completion failed", "duration", since(ctx, llmStartKey), "error", err)
		return
	}
	if r, ok := resp.(*providers.CompletionResponse); ok && r != nil {
		l.logger.DebugContext(ctx, "completion received",
			"duration", since(ctx, llmStartKey),
			"tool_calls", len(r.ToolCalls),
			"finish_reason", r.FinishReason,
			"total_tokens", r.Usage.TotalTokens,
		)
	}
}

func since(ctx context.Context, key startKey) time.Duration {
	start, ok := ctx.Value(key).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(start)
}
