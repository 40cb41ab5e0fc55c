// Package mock implements a scripted Provider for testing.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/darkostanimirovic/chatgraph/providers"
)

var (
	ErrNoResponse = errors.New("mock: no response configured")
	ErrNoStream   = errors.New("mock: no stream configured")
)

// step is one scripted reply: either a response or an error.
type step struct {
	resp *providers.CompletionResponse
	err  error
}

// Provider implements providers.Provider for testing.
//
// Scripted steps are consumed in order by Complete and Stream alike. When a step is streamed
// without an explicit chunk script, its content is sent as a single delta followed by its tool
// calls and a completion chunk.
type Provider struct {
	mu        sync.Mutex
	steps     []step
	streams   [][]providers.StreamChunk
	fallback  *step
	requests  []providers.CompletionRequest
	callCount int
}

// New creates a new mock provider.
func New() *Provider {
	return &Provider{}
}

// WithResponse appends a mock completion response.
func (m *Provider) WithResponse(content string, toolCalls []providers.ToolCall) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = append(m.steps, step{resp: newResponse(len(m.steps)+1, content, toolCalls)})
	return m
}

// WithError appends a step that fails with err.
func (m *Provider) WithError(err error) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = append(m.steps, step{err: err})
	return m
}

// WithStream appends an explicit chunk script, used by Stream ahead of scripted responses.
func (m *Provider) WithStream(chunks []providers.StreamChunk) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := make([]providers.StreamChunk, len(chunks))
	copy(stream, chunks)
	m.streams = append(m.streams, stream)
	return m
}

// Always sets the reply returned once the scripted steps are exhausted.
func (m *Provider) Always(content string, toolCalls []providers.ToolCall) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallback = &step{resp: newResponse(0, content, toolCalls)}
	return m
}

// Name returns the provider name.
func (m *Provider) Name() string {
	return "mock"
}

// Complete returns the next scripted response.
func (m *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(req)
	next, err := m.next(ErrNoResponse)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Stream returns the next explicit stream script, or a stream synthesized from the next response.
func (m *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (providers.StreamReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(req)
	if len(m.streams) > 0 {
		stream := &streamReader{chunks: m.streams[0]}
		m.streams = m.streams[1:]
		return stream, nil
	}

	resp, err := m.next(ErrNoStream)
	if err != nil {
		return nil, err
	}
	return &streamReader{chunks: chunksFor(resp)}, nil
}

// CallCount returns the number of times Complete or Stream was called.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns a copy of every request received, in order.
func (m *Provider) Requests() []providers.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]providers.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *Provider) record(req providers.CompletionRequest) {
	m.callCount++
	msgs := make([]providers.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	m.requests = append(m.requests, req)
}

func (m *Provider) next(empty error) (*providers.CompletionResponse, error) {
	var s step
	switch {
	case len(m.steps) > 0:
		s = m.steps[0]
		m.steps = m.steps[1:]
	case m.fallback != nil:
		s = *m.fallback
	default:
		return nil, empty
	}
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	resp.ToolCalls = append([]providers.ToolCall(nil), s.resp.ToolCalls...)
	return &resp, nil
}

func newResponse(n int, content string, toolCalls []providers.ToolCall) *providers.CompletionResponse {
	resp := &providers.CompletionResponse{
		ID:           fmt.Sprintf("mock-resp-%d", n),
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: providers.FinishReasonStop,
		Model:        "mock-model",
		Created:      time.Now(),
		Usage: providers.TokenUsage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	if len(toolCalls) > 0 {
		resp.FinishReason = providers.FinishReasonToolCalls
	}
	return resp
}

func chunksFor(resp *providers.CompletionResponse) []providers.StreamChunk {
	var chunks []providers.StreamChunk
	if resp.Content != "" {
		chunks = append(chunks, providers.StreamChunk{Content: resp.Content})
	}
	for i, tc := range resp.ToolCalls {
		args, _ := json.Marshal(tc.Arguments)
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		chunks = append(chunks, providers.StreamChunk{
			ToolCallID: id,
			ToolName:   tc.Name,
			ToolArgs:   string(args),
		})
	}
	usage := resp.Usage
	return append(chunks, providers.StreamChunk{
		IsComplete:   true,
		FinishReason: resp.FinishReason,
		Usage:        &usage,
	})
}

type streamReader struct {
	mu     sync.Mutex
	chunks []providers.StreamChunk
	idx    int
	closed bool
}

func (s *streamReader) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNoStream
	}

	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}

	chunk := s.chunks[s.idx]
	s.idx++
	return &chunk, nil
}

func (s *streamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
