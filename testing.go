package chatgraph

import (
	"github.com/darkostanimirovic/chatgraph/internal/checkpoint"
	"github.com/darkostanimirovic/chatgraph/internal/parallel"
	"github.com/darkostanimirovic/chatgraph/internal/retry"
	"github.com/darkostanimirovic/chatgraph/internal/timeout"
	"github.com/darkostanimirovic/chatgraph/providers"
	mockprovider "github.com/darkostanimirovic/chatgraph/providers/mock"
)

// ToolCall is an alias for providers.ToolCall.
type ToolCall = providers.ToolCall

// MockLLM is a convenience wrapper around providers/mock.Provider for scripting turns.
//
// Usage:
//
//	mock := chatgraph.NewMockLLM().
//	    WithToolCall("calculator", map[string]any{"expression": "2+2"}).
//	    WithFinalResponse("2 + 2 = 4")
//
//	ctrl, _ := chatgraph.New(chatgraph.TestConfig(mock))
type MockLLM struct {
	*mockprovider.Provider
}

// NewMockLLM creates a new scripted provider.
func NewMockLLM() *MockLLM {
	return &MockLLM{Provider: mockprovider.New()}
}

// WithResponse appends a reply with optional tool calls.
func (m *MockLLM) WithResponse(text string, toolCalls []ToolCall) *MockLLM {
	m.Provider.WithResponse(text, toolCalls)
	return m
}

// WithToolCall appends a reply requesting a single tool call.
func (m *MockLLM) WithToolCall(name string, args map[string]any) *MockLLM {
	m.Provider.WithResponse("", []ToolCall{{Name: name, Arguments: args}})
	return m
}

// WithFinalResponse appends a reply without tool calls.
func (m *MockLLM) WithFinalResponse(text string) *MockLLM {
	m.Provider.WithResponse(text, nil)
	return m
}

// WithError appends a failing reply.
func (m *MockLLM) WithError(err error) *MockLLM {
	m.Provider.WithError(err)
	return m
}

// TestConfig returns a deterministic configuration around provider: an in-memory store, silent
// logging, no retries, no timeouts, sequential tools and non-streaming completions.
func TestConfig(provider providers.Provider) Config {
	noRetries := retry.NoRetries()
	noTimeouts := timeout.NoTimeouts()
	sequential := parallel.Sequential()

	cfg := DefaultConfig()
	cfg.Provider = provider
	cfg.Store = checkpoint.NewMemoryStore()
	cfg.Stream = false
	cfg.Retry = &noRetries
	cfg.Timeout = &noTimeouts
	cfg.Parallel = &sequential
	cfg.Logging = DefaultLoggingConfig().Silent()
	return cfg
}
