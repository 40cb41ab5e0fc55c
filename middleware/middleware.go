// Package middleware defines hooks into turn execution for observability and instrumentation.
package middleware

import "context"

// Middleware provides hooks into turn execution.
// Start hooks run in registration order; completion hooks run in reverse.
type Middleware interface {
	OnTurnStart(ctx context.Context, threadID, input string) context.Context
	OnTurnComplete(ctx context.Context, threadID, output string, err error)
	OnToolStart(ctx context.Context, tool string, args any) context.Context
	OnToolComplete(ctx context.Context, tool string, result any, err error)
	OnLLMCall(ctx context.Context, req any) context.Context
	OnLLMResponse(ctx context.Context, resp any, err error)
}

// BaseMiddleware provides no-op implementations for Middleware.
// Embed this in custom middleware to implement only the hooks you need.
type BaseMiddleware struct{}

func (BaseMiddleware) OnTurnStart(ctx context.Context, _, _ string) context.Context { return ctx }
func (BaseMiddleware) OnTurnComplete(context.Context, string, string, error)         {}
func (BaseMiddleware) OnToolStart(ctx context.Context, _ string, _ any) context.Context {
	return ctx
}
func (BaseMiddleware) OnToolComplete(context.Context, string, any, error)   {}
func (BaseMiddleware) OnLLMCall(ctx context.Context, _ any) context.Context { return ctx }
func (BaseMiddleware) OnLLMResponse(context.Context, any, error)            {}
