package chatgraph

import (
	"errors"
	"time"

	"github.com/darkostanimirovic/chatgraph/providers"
)

// EventType represents the type of streaming event
type EventType string

const (
	EventTypeTurnStart    EventType = "turn.start"
	EventTypeReplyStart   EventType = "reply.start"
	EventTypeToken        EventType = "token"
	EventTypeMessage      EventType = "message"
	EventTypeToolStart    EventType = "tool.start"
	EventTypeToolResult   EventType = "tool.result"
	EventTypeToolError    EventType = "tool.error"
	EventTypeTitle        EventType = "title"
	EventTypeCommitted    EventType = "committed"
	EventTypeFinalOutput  EventType = "final_output"
	EventTypeError        EventType = "error"
	EventTypeTurnComplete EventType = "turn.complete"
)

// Event represents a streaming event emitted while a turn runs
type Event struct {
	Type      EventType      `json:"type"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// TurnStart creates a turn start event
func TurnStart(input string) Event {
	return NewEvent(EventTypeTurnStart, map[string]any{
		"input": input,
	})
}

// ReplyStart marks the start of a completion pass. The UI opens a new assistant bubble for it.
func ReplyStart(pass int) Event {
	return NewEvent(EventTypeReplyStart, map[string]any{
		"pass": pass,
	})
}

// Token creates an assistant token event
func Token(chunk string) Event {
	return NewEvent(EventTypeToken, map[string]any{
		"chunk": chunk,
	})
}

// MessageAppended reports a message added to the thread history.
func MessageAppended(msg providers.Message) Event {
	return NewEvent(EventTypeMessage, map[string]any{
		"message": msg,
	})
}

// ToolStart creates a tool start event
func ToolStart(tool, callID, description string, args any) Event {
	return NewEvent(EventTypeToolStart, map[string]any{
		"tool":        tool,
		"call_id":     callID,
		"description": description,
		"arguments":   args,
	})
}

// ToolResult creates a tool result event
func ToolResult(tool, callID, description string, result any) Event {
	return NewEvent(EventTypeToolResult, map[string]any{
		"tool":        tool,
		"call_id":     callID,
		"description": description,
		"result":      result,
	})
}

// ToolFailed creates a tool error event
func ToolFailed(tool, callID string, err error) Event {
	data := map[string]any{
		"tool":    tool,
		"call_id": callID,
		"error":   err.Error(),
	}
	var te *ToolError
	if errors.As(err, &te) {
		data["kind"] = string(te.Kind)
	}
	return NewEvent(EventTypeToolError, data)
}

// TitleSet creates a title event
func TitleSet(title string) Event {
	return NewEvent(EventTypeTitle, map[string]any{
		"title": title,
	})
}

// Committed creates a checkpoint committed event
func Committed(checkpointID string) Event {
	return NewEvent(EventTypeCommitted, map[string]any{
		"checkpoint_id": checkpointID,
	})
}

// FinalOutput creates a final output event
func FinalOutput(response string) Event {
	return NewEvent(EventTypeFinalOutput, map[string]any{
		"response": response,
	})
}

// Error creates an error event
func Error(err error) Event {
	return NewEvent(EventTypeError, map[string]any{
		"error": err.Error(),
	})
}

// TurnComplete creates a turn complete event with usage and timing.
func TurnComplete(result *TurnResult, durationMs int64) Event {
	data := map[string]any{
		"duration_ms": durationMs,
	}
	if result != nil {
		data["rounds"] = result.ToolRounds
		data["checkpoint_id"] = result.CheckpointID
		data["usage"] = map[string]int{
			"prompt_tokens":     result.Usage.PromptTokens,
			"completion_tokens": result.Usage.CompletionTokens,
			"total_tokens":      result.Usage.TotalTokens,
		}
	}
	return NewEvent(EventTypeTurnComplete, data)
}

// Chunk returns the token text of a token event.
func (e Event) Chunk() string {
	s, _ := e.Data["chunk"].(string)
	return s
}

// Err returns the error text of an error event.
func (e Event) Err() string {
	s, _ := e.Data["error"].(string)
	return s
}
