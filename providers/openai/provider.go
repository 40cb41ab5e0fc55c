// Package openai implements the Provider interface for OpenAI-compatible chat-completion APIs
// (OpenAI, Groq and other services that speak the same wire format).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/darkostanimirovic/chatgraph/providers"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Config configures the provider.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint. Empty means api.openai.com.
	BaseURL string
	// Name is reported by Name(). Defaults to "openai".
	Name       string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider implements providers.Provider on top of go-openai.
type Provider struct {
	client *goopenai.Client
	name   string
	logger *slog.Logger
}

// New creates a new provider.
func New(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Provider{
		client: goopenai.NewClientWithConfig(clientCfg),
		name:   name,
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// Complete generates a non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	apiReq, err := toAPIRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("create chat completion: response has no choices")
	}

	return fromAPIResponse(resp), nil
}

// Stream generates a streaming completion.
func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (providers.StreamReader, error) {
	apiReq, err := toAPIRequest(req)
	if err != nil {
		return nil, err
	}
	apiReq.Stream = true
	apiReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}

	return newStreamReader(stream, p.logger), nil
}

// toAPIRequest converts a provider-agnostic request to the chat-completions format.
func toAPIRequest(req providers.CompletionRequest) (goopenai.ChatCompletionRequest, error) {
	apiReq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	messages, err := toAPIMessages(req.SystemPrompt, req.Messages)
	if err != nil {
		return apiReq, err
	}
	apiReq.Messages = messages

	if len(req.Tools) > 0 {
		apiReq.Tools = toAPITools(req.Tools)
		if req.ToolChoice != "" {
			apiReq.ToolChoice = req.ToolChoice
		}
		if req.ParallelToolCalls {
			apiReq.ParallelToolCalls = true
		}
	}

	return apiReq, nil
}

func toAPIMessages(systemPrompt string, messages []providers.Message) ([]goopenai.ChatCompletionMessage, error) {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case providers.RoleUser:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case providers.RoleAssistant:
			apiMsg := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal arguments of tool call %s: %w", tc.ID, err)
				}
				apiMsg.ToolCalls = append(apiMsg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, apiMsg)
		case providers.RoleTool:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Name,
				ToolCallID: msg.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return out, nil
}

func toAPITools(tools []providers.ToolDefinition) []goopenai.Tool {
	apiTools := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		apiTools[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return apiTools
}

// fromAPIResponse converts a chat-completions response to the provider-agnostic form.
func fromAPIResponse(resp goopenai.ChatCompletionResponse) *providers.CompletionResponse {
	choice := resp.Choices[0]
	out := &providers.CompletionResponse{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		Model:        resp.Model,
		Created:      time.Unix(resp.Created, 0),
		FinishReason: fromAPIFinishReason(choice.FinishReason),
		Usage: providers.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: providers.ParseArguments(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = providers.FinishReasonToolCalls
	}

	return out
}

func fromAPIFinishReason(reason goopenai.FinishReason) providers.FinishReason {
	switch reason {
	case goopenai.FinishReasonToolCalls, goopenai.FinishReasonFunctionCall:
		return providers.FinishReasonToolCalls
	case goopenai.FinishReasonLength:
		return providers.FinishReasonLength
	case goopenai.FinishReasonStop, "":
		return providers.FinishReasonStop
	default:
		return providers.FinishReason(reason)
	}
}

// Stream reader implementation

type streamReader struct {
	stream  *goopenai.ChatCompletionStream
	logger  *slog.Logger
	calls   map[int]*pendingToolCall
	byID    map[string]int
	order   []int
	finish  goopenai.FinishReason
	usage   *providers.TokenUsage
	pending []*providers.StreamChunk
	done    bool
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newStreamReader(stream *goopenai.ChatCompletionStream, logger *slog.Logger) *streamReader {
	return &streamReader{
		stream: stream,
		logger: logger,
		calls:  make(map[int]*pendingToolCall),
		byID:   make(map[string]int),
	}
}

// Next returns content deltas as they arrive. Tool calls are accumulated and emitted whole,
// followed by a completion chunk, once the upstream stream ends.
func (s *streamReader) Next() (*providers.StreamChunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.complete()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stream read: %w", err)
		}

		if resp.Usage != nil {
			s.usage = &providers.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, &providers.StreamChunk{Content: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				s.absorbToolDelta(tc)
			}
			if choice.FinishReason != "" {
				s.finish = choice.FinishReason
			}
		}
	}
}

func (s *streamReader) Close() error {
	return s.stream.Close()
}

func (s *streamReader) absorbToolDelta(tc goopenai.ToolCall) {
	idx := len(s.order)
	switch {
	case tc.Index != nil:
		idx = *tc.Index
	case tc.ID != "":
		if existing, ok := s.byID[tc.ID]; ok {
			idx = existing
		}
	case len(s.order) > 0:
		// Continuation delta without index or id belongs to the most recent call.
		idx = s.order[len(s.order)-1]
	}

	call, ok := s.calls[idx]
	if !ok {
		call = &pendingToolCall{}
		s.calls[idx] = call
		s.order = append(s.order, idx)
	}
	if tc.ID != "" {
		call.id = tc.ID
		s.byID[tc.ID] = idx
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	call.args.WriteString(tc.Function.Arguments)
}

func (s *streamReader) complete() {
	s.done = true
	for i, idx := range s.order {
		call := s.calls[idx]
		if call.name == "" {
			s.logger.Warn("dropping streamed tool call without name", "index", idx)
			continue
		}
		id := call.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		args := call.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		s.pending = append(s.pending, &providers.StreamChunk{
			ToolCallID: id,
			ToolName:   call.name,
			ToolArgs:   args,
		})
	}

	finish := fromAPIFinishReason(s.finish)
	if len(s.order) > 0 {
		finish = providers.FinishReasonToolCalls
	}
	s.pending = append(s.pending, &providers.StreamChunk{
		IsComplete:   true,
		FinishReason: finish,
		Usage:        s.usage,
	})
}
