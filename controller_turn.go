package chatgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/darkostanimirovic/chatgraph/internal/logging"
	"github.com/darkostanimirovic/chatgraph/internal/timeout"
	"github.com/darkostanimirovic/chatgraph/providers"
)

// turnState is a node of the turn graph.
type turnState int

const (
	stateCompleting turnState = iota
	stateToolDispatch
	stateTitleCheck
	stateCommit
)

func (s turnState) String() string {
	switch s {
	case stateCompleting:
		return "completing"
	case stateToolDispatch:
		return "tool_dispatch"
	case stateTitleCheck:
		return "title_check"
	case stateCommit:
		return "commit"
	}
	return fmt.Sprintf("turnState(%d)", int(s))
}

var errEmptyTitle = errors.New("chatgraph: title generation returned no text")

// turnRun is the working state of one turn. Nothing in it is visible to the store until commit.
type turnRun struct {
	threadID   string
	events     chan<- Event
	state      State
	reply      string
	pending    []providers.ToolCall
	rounds     int
	passes     int
	titleTried bool
	usage      providers.TokenUsage
}

func (c *Controller) runGraph(ctx context.Context, threadID, input string, events chan<- Event) (*TurnResult, error) {
	if err := c.emit(ctx, events, TurnStart(input)); err != nil {
		return nil, err
	}

	prev, err := c.LoadState(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", threadID, err)
	}

	run := &turnRun{
		threadID: threadID,
		events:   events,
		state:    prev.Clone(),
	}
	if err := c.appendMessage(ctx, run, providers.UserMessage(input)); err != nil {
		return nil, err
	}

	next := stateCompleting
	for {
		c.logger.Debug("turn transition", "thread_id", threadID, "state", next.String(), "round", run.rounds)

		switch next {
		case stateCompleting:
			next, err = c.completeNode(ctx, run)
		case stateToolDispatch:
			next, err = c.dispatchNode(ctx, run)
		case stateTitleCheck:
			next, err = c.titleNode(ctx, run)
		case stateCommit:
			return c.commitNode(ctx, run)
		default:
			return nil, fmt.Errorf("chatgraph: unknown turn state %d", int(next))
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Controller) appendMessage(ctx context.Context, run *turnRun, msg providers.Message) error {
	run.state.Messages = append(run.state.Messages, msg)
	return c.emit(ctx, run.events, MessageAppended(msg))
}

// completeNode asks the model for the next assistant message.
func (c *Controller) completeNode(ctx context.Context, run *turnRun) (turnState, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	run.passes++
	if err := c.emit(ctx, run.events, ReplyStart(run.passes)); err != nil {
		return 0, err
	}

	req := c.buildCompletionRequest(ctx, run.state.Messages, true)
	c.logPrompt(run.threadID, req)

	var resp *providers.CompletionResponse
	var err error
	if c.stream {
		resp, err = c.streamCompletion(ctx, req, run.events)
	} else {
		resp, err = c.complete(ctx, req)
	}
	if err != nil {
		return 0, err
	}

	run.usage.PromptTokens += resp.Usage.PromptTokens
	run.usage.CompletionTokens += resp.Usage.CompletionTokens
	run.usage.TotalTokens += resp.Usage.TotalTokens

	calls := ensureToolCallIDs(filterCompleteToolCalls(resp.ToolCalls))
	if len(calls) == 0 {
		if err := c.appendMessage(ctx, run, providers.AssistantMessage(resp.Content, nil)); err != nil {
			return 0, err
		}
		run.reply = resp.Content
		return stateTitleCheck, nil
	}

	if run.rounds >= c.maxToolRounds {
		return 0, fmt.Errorf("%w: model still requested tools after %d rounds", ErrToolLoopExceeded, run.rounds)
	}
	for _, call := range calls {
		if _, ok := c.tools[call.Name]; !ok {
			c.logger.Warn("tool not found", "thread_id", run.threadID, "tool", call.Name)
			return 0, &UnknownToolError{Name: call.Name}
		}
	}

	if err := c.appendMessage(ctx, run, providers.AssistantMessage(resp.Content, calls)); err != nil {
		return 0, err
	}
	run.pending = calls
	return stateToolDispatch, nil
}

// dispatchNode runs the pending tool calls and appends their results in call order.
func (c *Controller) dispatchNode(ctx context.Context, run *turnRun) (turnState, error) {
	run.rounds++
	roundCtx := WithRound(ctx, run.rounds)

	msgs, err := c.executeToolCalls(roundCtx, run.pending, run.events)
	if err != nil {
		return 0, err
	}
	run.pending = nil

	for _, msg := range msgs {
		if err := c.appendMessage(roundCtx, run, msg); err != nil {
			return 0, err
		}
	}
	c.logger.Debug("tool round finished", "thread_id", run.threadID, "round", run.rounds, "tool_calls", len(msgs))
	return stateCompleting, nil
}

// titleNode generates the thread title once. A successful title earns one more completion pass.
func (c *Controller) titleNode(ctx context.Context, run *turnRun) (turnState, error) {
	if run.state.Metadata.Title != "" || run.titleTried {
		return stateCommit, nil
	}
	run.titleTried = true

	title, err := c.summarizeTitle(ctx, run.state)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		c.logger.Warn("title generation failed", "thread_id", run.threadID, "error", err)
		return stateCommit, nil
	}

	run.state.Metadata.Title = title
	if err := c.emit(ctx, run.events, TitleSet(title)); err != nil {
		return 0, err
	}
	return stateCompleting, nil
}

// commitNode writes the whole state as one new checkpoint.
func (c *Controller) commitNode(ctx context.Context, run *turnRun) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spanCtx, endSpan := c.tracer.StartSpan(ctx, "checkpoint.commit",
		WithSpanInput(map[string]any{
			"thread_id": run.threadID,
			"messages":  len(run.state.Messages),
		}),
	)
	defer endSpan()

	id, err := c.store.Commit(spanCtx, run.threadID, run.state)
	if err != nil {
		c.tracer.RecordError(spanCtx, err)
		return nil, fmt.Errorf("committing thread %s: %w", run.threadID, err)
	}
	_ = c.tracer.SetSpanOutput(spanCtx, id)

	// The checkpoint is durable; a disconnect from here on loses events, not the turn.
	_ = c.emit(ctx, run.events, Committed(id))

	return &TurnResult{
		ThreadID:     run.threadID,
		CheckpointID: id,
		Reply:        run.reply,
		Title:        run.state.Metadata.Title,
		State:        run.state,
		Usage:        run.usage,
		ToolRounds:   run.rounds,
		Passes:       run.passes,
	}, nil
}

// summarizeTitle asks the model, without tools, for a short title of the first user message.
func (c *Controller) summarizeTitle(ctx context.Context, state State) (string, error) {
	first, ok := state.FirstUserMessage()
	if !ok {
		return "", errors.New("chatgraph: thread has no user message to title")
	}

	spanCtx, endSpan := c.tracer.StartSpan(ctx, "title.generate", WithSpanInput(first))
	defer endSpan()

	req := providers.CompletionRequest{
		Model:       c.model,
		Messages:    []providers.Message{providers.UserMessage(c.titlePrompt + first)},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	resp, err := c.complete(spanCtx, req)
	if err != nil {
		c.tracer.RecordError(spanCtx, err)
		return "", err
	}
	title := cleanTitle(resp.Content)
	if title == "" {
		return "", errEmptyTitle
	}
	_ = c.tracer.SetSpanOutput(spanCtx, title)
	return title, nil
}

// cleanTitle keeps the first non-empty line without surrounding quotes.
func cleanTitle(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, "\"'`*#")
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// buildCompletionRequest creates a provider-agnostic completion request from the current history.
func (c *Controller) buildCompletionRequest(ctx context.Context, history []providers.Message, withTools bool) providers.CompletionRequest {
	messages := make([]providers.Message, len(history))
	copy(messages, history)

	req := providers.CompletionRequest{
		Model:        c.model,
		SystemPrompt: c.buildSystemPrompt(ctx),
		Messages:     messages,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}
	if withTools && len(c.tools) > 0 {
		tools := make([]providers.ToolDefinition, 0, len(c.tools))
		for _, name := range c.Tools() {
			tools = append(tools, c.tools[name].ToToolDefinition())
		}
		req.Tools = tools
		req.ToolChoice = "auto"
		req.ParallelToolCalls = c.parallelConfig.Enabled
	}
	return req
}

func (c *Controller) buildSystemPrompt(ctx context.Context) string {
	if c.systemPrompt == nil {
		return ""
	}
	return c.systemPrompt(ctx)
}

// complete runs one non-streaming completion under the call timeout.
func (c *Controller) complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	callCtx := c.applyLLMCall(ctx, req)
	callCtx, cancel := timeout.With(callCtx, c.timeoutConfig.LLMCall)
	defer cancel()

	startTime := time.Now()
	resp, err := c.provider.Complete(callCtx, req)
	if err != nil {
		err = c.completionError(err)
		c.applyLLMResponse(callCtx, nil, err)
		c.logGeneration(ctx, req, nil, err, startTime, nil)
		c.logger.Error("completion failed", "model", c.model, "error", err)
		return nil, err
	}

	c.applyLLMResponse(callCtx, resp, nil)
	c.logGeneration(ctx, req, resp, nil, startTime, nil)
	c.logResponse(resp)
	return resp, nil
}

// streamCompletion runs one streaming completion, emitting content deltas as tokens.
// The stream is abandoned when no chunk arrives within the chunk timeout.
func (c *Controller) streamCompletion(ctx context.Context, req providers.CompletionRequest, events chan<- Event) (*providers.CompletionResponse, error) {
	callCtx := c.applyLLMCall(ctx, req)
	callCtx, cancel := timeout.With(callCtx, c.timeoutConfig.LLMCall)
	defer cancel()

	startTime := time.Now()
	fail := func(err error) (*providers.CompletionResponse, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = c.completionError(err)
		c.applyLLMResponse(callCtx, nil, err)
		c.logGeneration(ctx, req, nil, err, startTime, nil)
		c.logger.Error("streaming failed", "model", c.model, "error", err)
		return nil, err
	}

	stream, err := c.provider.Stream(callCtx, req)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()

	var stalled *time.Timer
	if c.timeoutConfig.StreamChunk > 0 {
		stalled = time.AfterFunc(c.timeoutConfig.StreamChunk, cancel)
		defer stalled.Stop()
	}

	var content strings.Builder
	var toolCalls []providers.ToolCall
	var firstToken *time.Time
	resp := &providers.CompletionResponse{Model: req.Model, Created: startTime}

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if callCtx.Err() != nil && ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return fail(fmt.Errorf("stream read: %w", err))
		}
		if stalled != nil {
			stalled.Reset(c.timeoutConfig.StreamChunk)
		}

		if chunk.Content != "" {
			if firstToken == nil {
				now := time.Now()
				firstToken = &now
			}
			content.WriteString(chunk.Content)
			if err := c.emit(ctx, events, Token(chunk.Content)); err != nil {
				return nil, err
			}
		}
		if chunk.ToolCallID != "" {
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:        chunk.ToolCallID,
				Name:      chunk.ToolName,
				Arguments: providers.ParseArguments(chunk.ToolArgs),
			})
		}
		if chunk.IsComplete {
			resp.FinishReason = chunk.FinishReason
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
			break
		}
	}

	resp.Content = content.String()
	resp.ToolCalls = toolCalls
	if resp.FinishReason == "" {
		resp.FinishReason = providers.FinishReasonStop
		if len(toolCalls) > 0 {
			resp.FinishReason = providers.FinishReasonToolCalls
		}
	}

	c.applyLLMResponse(callCtx, resp, nil)
	c.logGeneration(ctx, req, resp, nil, startTime, firstToken)
	c.logResponse(resp)
	return resp, nil
}

func (c *Controller) completionError(err error) error {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return err
	}
	return &CompletionError{Provider: c.provider.Name(), Model: c.model, Err: err}
}

func (c *Controller) logResponse(resp *providers.CompletionResponse) {
	if !c.loggingConfig.LogResponses {
		return
	}
	c.logger.Info("completion received",
		"content_length", len(resp.Content),
		"tool_calls", len(resp.ToolCalls),
		"finish_reason", resp.FinishReason,
	)
}

// logPrompt appends the request to the prompt log when one is configured.
func (c *Controller) logPrompt(threadID string, req providers.CompletionRequest) {
	if c.loggingConfig.PromptLogPath == "" {
		return
	}
	var payload any = map[string]any{
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"thread_id":     threadID,
		"model":         req.Model,
		"system_prompt": req.SystemPrompt,
		"messages":      req.Messages,
		"tools":         req.Tools,
	}
	if c.loggingConfig.RedactSensitive {
		payload = logging.Redact(payload)
	}
	if err := logging.AppendJSONLine(c.loggingConfig.PromptLogPath, payload); err != nil {
		c.logger.Warn("failed to write prompt log", "path", c.loggingConfig.PromptLogPath, "error", err)
	}
}

func (c *Controller) logGeneration(ctx context.Context, req providers.CompletionRequest, resp *providers.CompletionResponse, err error, startTime time.Time, firstToken *time.Time) {
	if isNoOpTracer(c.tracer) {
		return
	}

	input := map[string]any{
		"system_prompt": req.SystemPrompt,
		"messages":      req.Messages,
		"tools":         req.Tools,
	}

	var output any
	var usage *UsageInfo
	if resp != nil {
		output = map[string]any{
			"content":       resp.Content,
			"tool_calls":    resp.ToolCalls,
			"finish_reason": resp.FinishReason,
		}
		usage = &UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	} else if err != nil {
		output = map[string]any{"error": err.Error()}
	}

	gen := GenerationOptions{
		Name:  "llm.generate",
		Model: req.Model,
		ModelParameters: map[string]any{
			"temperature":         req.Temperature,
			"max_tokens":          req.MaxTokens,
			"tool_choice":         req.ToolChoice,
			"parallel_tool_calls": req.ParallelToolCalls,
		},
		Input:               input,
		Output:              output,
		Usage:               usage,
		StartTime:           startTime,
		EndTime:             time.Now(),
		CompletionStartTime: firstToken,
		Level:               LogLevelDefault,
	}
	if err != nil {
		gen.Level = LogLevelError
		gen.StatusMessage = err.Error()
	}
	_ = c.tracer.LogGeneration(ctx, gen)
}

func filterCompleteToolCalls(toolCalls []providers.ToolCall) []providers.ToolCall {
	if len(toolCalls) == 0 {
		return toolCalls
	}
	filtered := make([]providers.ToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.Name == "" {
			continue
		}
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		filtered = append(filtered, tc)
	}
	return filtered
}

func ensureToolCallIDs(toolCalls []providers.ToolCall) []providers.ToolCall {
	if len(toolCalls) == 0 {
		return toolCalls
	}
	used := make(map[string]struct{}, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			used[tc.ID] = struct{}{}
		}
	}
	next := 1
	for i := range toolCalls {
		if toolCalls[i].ID != "" {
			continue
		}
		for {
			id := fmt.Sprintf("call_%d", next)
			next++
			if _, exists := used[id]; exists {
				continue
			}
			toolCalls[i].ID = id
			used[id] = struct{}{}
			break
		}
	}
	return toolCalls
}
