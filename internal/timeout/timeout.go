// Package timeout holds per-operation deadlines for a conversation turn.
package timeout

import (
	"context"
	"time"
)

// Config configures timeout behavior for different operations.
type Config struct {
	Turn          time.Duration // Whole turn, tools and title included (0 = no timeout)
	LLMCall       time.Duration // Per completion call (0 = no timeout)
	ToolExecution time.Duration // Per tool invocation (0 = no timeout)
	StreamChunk   time.Duration // Gap between stream chunks (0 = no timeout)
}

// DefaultConfig returns sensible timeout defaults.
func DefaultConfig() Config {
	return Config{
		Turn:          5 * time.Minute,
		LLMCall:       60 * time.Second,
		ToolExecution: 20 * time.Second,
		StreamChunk:   30 * time.Second,
	}
}

// NoTimeouts returns a config with all timeouts disabled.
func NoTimeouts() Config {
	return Config{}
}

// With derives a context bounded by d. A zero d leaves ctx unbounded.
func With(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
