// Package providers defines provider-agnostic interfaces and domain models for LLM interactions.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider defines the interface for any chat-completion backend.
// Implementations: OpenAI-compatible endpoints (Groq, OpenAI), mocks.
type Provider interface {
	// Complete generates a non-streaming completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream generates a streaming completion.
	Stream(ctx context.Context, req CompletionRequest) (StreamReader, error)

	// Name returns the provider name (e.g., "openai", "groq").
	Name() string
}

// StreamReader provides access to streaming chunks.
type StreamReader interface {
	// Next returns the next chunk or io.EOF when complete.
	Next() (*StreamChunk, error)

	// Close closes the stream.
	Close() error
}

// CompletionRequest represents a provider-agnostic request for completion.
type CompletionRequest struct {
	Model             string
	Messages          []Message
	Tools             []ToolDefinition
	Temperature       float32
	MaxTokens         int
	SystemPrompt      string
	ToolChoice        string
	ParallelToolCalls bool
}

// CompletionResponse represents a provider-agnostic completion response.
type CompletionResponse struct {
	ID           string
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
	Model        string
	Created      time.Time
}

// Message represents a single message in a conversation.
// Messages are values; once appended to a history they are never modified.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// MessageRole defines the role of a message sender.
// The set is closed: a role outside it is rejected when decoded.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Valid reports whether r is one of the known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// UnmarshalText rejects unknown roles.
func (r *MessageRole) UnmarshalText(text []byte) error {
	role := MessageRole(text)
	if !role.Valid() {
		return fmt.Errorf("providers: unknown message role %q", string(text))
	}
	*r = role
	return nil
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message, optionally requesting tool calls.
func AssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolResultMessage builds the tool message answering the call with the given ID.
func ToolResultMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: toolName}
}

// ToolCall represents a request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition defines a tool that can be called by the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonLength    FinishReason = "length"
	FinishReasonError     FinishReason = "error"
)

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk represents a chunk of streaming response.
// Content carries text deltas. A chunk with ToolCallID carries one complete tool call.
type StreamChunk struct {
	Content      string
	ToolCallID   string
	ToolName     string
	ToolArgs     string
	IsComplete   bool
	FinishReason FinishReason
	Usage        *TokenUsage
}

// ParseArguments decodes a tool-call argument string. Malformed JSON yields an empty object,
// the tool then reports the missing parameters back to the model.
func ParseArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}
