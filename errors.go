package chatgraph

import (
	"errors"
	"fmt"

	"github.com/darkostanimirovic/chatgraph/internal/checkpoint"
	"github.com/darkostanimirovic/chatgraph/internal/retry"
)

// Turn failures. Each aborts the turn without a commit.
var (
	ErrUnknownTool      = errors.New("chatgraph: unknown tool")
	ErrToolLoopExceeded = errors.New("chatgraph: tool loop exceeded")
	ErrCompletion       = errors.New("chatgraph: completion failed")
	ErrEmptyInput       = errors.New("chatgraph: user input is empty")
)

// Store failures.
var (
	ErrNotFound    = checkpoint.ErrNotFound
	ErrWriteFailed = checkpoint.ErrWriteFailed
	// ErrEmptyThreadID is returned for turns and lookups without a thread ID.
	ErrEmptyThreadID = checkpoint.ErrEmptyThreadID
)

// Transient failures that tools report so they can be retried.
var (
	ErrRateLimited = retry.ErrRateLimited
	ErrTimeout     = retry.ErrTimeout
	ErrServerError = retry.ErrServerError
)

// Tool failure kinds, matched with errors.Is against a *ToolError.
var (
	ErrToolUnavailable   = errors.New("chatgraph: tool unavailable")
	ErrInvalidExpression = errors.New("chatgraph: invalid expression")
	ErrInvalidArguments  = errors.New("chatgraph: invalid tool arguments")
)

// ToolErrorKind classifies a tool failure.
type ToolErrorKind string

const (
	ToolErrorUnavailable       ToolErrorKind = "unavailable"
	ToolErrorInvalidExpression ToolErrorKind = "invalid_expression"
	ToolErrorInvalidArguments  ToolErrorKind = "invalid_arguments"
)

// InvalidArguments reports missing or malformed tool arguments.
func InvalidArguments(tool, msg string) *ToolError {
	return &ToolError{Kind: ToolErrorInvalidArguments, Tool: tool, Message: msg}
}

// ToolError is returned by tool handlers. It never aborts a turn: the controller folds it into a
// tool-result message so the model can react.
type ToolError struct {
	Kind    ToolErrorKind
	Tool    string
	Message string
	Err     error
}

// Unavailable reports that a tool's backend could not be reached or refused the request.
func Unavailable(tool string, err error) *ToolError {
	msg := "service unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &ToolError{Kind: ToolErrorUnavailable, Tool: tool, Message: msg, Err: err}
}

// InvalidExpression reports input a tool refuses to evaluate.
func InvalidExpression(tool, msg string) *ToolError {
	return &ToolError{Kind: ToolErrorInvalidExpression, Tool: tool, Message: msg}
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *ToolError) Is(target error) bool {
	switch e.Kind {
	case ToolErrorUnavailable:
		return target == ErrToolUnavailable
	case ToolErrorInvalidExpression:
		return target == ErrInvalidExpression
	case ToolErrorInvalidArguments:
		return target == ErrInvalidArguments
	}
	return false
}

// UnknownToolError is returned when the model requests a tool that isn't registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("chatgraph: unknown tool %q", e.Name)
}

func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}

// CompletionError wraps a provider failure.
type CompletionError struct {
	Provider string
	Model    string
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("chatgraph: completion failed (%s %s): %v", e.Provider, e.Model, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

func (e *CompletionError) Is(target error) bool {
	return target == ErrCompletion
}
