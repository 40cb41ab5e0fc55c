package chatgraph

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/darkostanimirovic/chatgraph/internal/logging"
	"github.com/darkostanimirovic/chatgraph/internal/retry"
	"github.com/darkostanimirovic/chatgraph/internal/timeout"
	"github.com/darkostanimirovic/chatgraph/providers"
)

// executeToolCalls runs one round of tool calls and returns their result messages in call order.
// Tool failures become result messages; only a done ctx fails the round.
func (c *Controller) executeToolCalls(ctx context.Context, toolCalls []providers.ToolCall, events chan<- Event) ([]providers.Message, error) {
	if len(toolCalls) == 0 {
		return nil, nil
	}

	messages := make([]providers.Message, len(toolCalls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelConfig.Limit(len(toolCalls)))

	for i, call := range toolCalls {
		g.Go(func() error {
			msg, err := c.executeToolCall(gctx, call, events)
			if err != nil {
				return err
			}
			messages[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Controller) executeToolCall(ctx context.Context, call providers.ToolCall, events chan<- Event) (providers.Message, error) {
	tool, exists := c.tools[call.Name]
	if !exists {
		return providers.Message{}, &UnknownToolError{Name: call.Name}
	}

	if err := c.emit(ctx, events, ToolStart(call.Name, call.ID, tool.FormatPending(call.Arguments), call.Arguments)); err != nil {
		return providers.Message{}, err
	}

	spanCtx, endSpan := c.tracer.StartSpan(ctx, "tool."+call.Name,
		WithSpanType(SpanTypeTool),
		WithSpanInput(call.Arguments),
		WithSpanMetadata(map[string]any{"call_id": call.ID}),
	)
	defer endSpan()

	toolCtx := c.applyToolStart(spanCtx, call.Name, call.Arguments)
	if c.loggingConfig.LogToolCalls {
		c.logger.Info("tool call", "tool", call.Name, "call_id", call.ID, "arguments", c.redact(call.Arguments))
	}

	result, err := retry.Do(toolCtx, c.retryConfig, c.logger, func() (any, error) {
		attemptCtx, cancel := timeout.With(toolCtx, c.timeoutConfig.ToolExecution)
		defer cancel()
		return tool.Execute(attemptCtx, call.Arguments)
	})

	c.applyToolComplete(toolCtx, call.Name, result, err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return providers.Message{}, ctxErr
	}

	var content string
	if err != nil {
		content = fmt.Sprintf("Error executing tool: %v", err)
		c.tracer.RecordError(spanCtx, err)
		c.logger.Warn("tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
		if emitErr := c.emit(ctx, events, ToolFailed(call.Name, call.ID, err)); emitErr != nil {
			return providers.Message{}, emitErr
		}
	} else {
		content = formatToolResult(result)
		_ = c.tracer.SetSpanOutput(spanCtx, result)
		if c.loggingConfig.LogToolCalls {
			c.logger.Info("tool result", "tool", call.Name, "call_id", call.ID, "result", c.redact(result))
		} else {
			c.logger.Debug("tool executed successfully", "tool", call.Name)
		}
		if emitErr := c.emit(ctx, events, ToolResult(call.Name, call.ID, tool.FormatResult(result), result)); emitErr != nil {
			return providers.Message{}, emitErr
		}
	}

	return providers.ToolResultMessage(call.ID, call.Name, content), nil
}

func (c *Controller) redact(value any) any {
	if !c.loggingConfig.RedactSensitive {
		return value
	}
	return logging.Redact(value)
}
