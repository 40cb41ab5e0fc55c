package chatgraph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/darkostanimirovic/chatgraph/internal/checkpoint"
	"github.com/darkostanimirovic/chatgraph/internal/retry"
	"github.com/darkostanimirovic/chatgraph/internal/timeout"
	"github.com/darkostanimirovic/chatgraph/middleware"
	"github.com/darkostanimirovic/chatgraph/providers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoTool() Tool {
	return NewTool("echo").
		WithDescription("Echo the text back").
		WithParameter("text", String().Required()).
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		}).
		MustBuild()
}

func newTestController(t *testing.T, mock providers.Provider, mutate ...func(*Config)) *Controller {
	t.Helper()
	cfg := TestConfig(mock)
	for _, fn := range mutate {
		fn(&cfg)
	}
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	return ctrl
}

func TestConfigValidate(t *testing.T) {
	mock := NewMockLLM()
	store := checkpoint.NewMemoryStore()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid", Config{Provider: mock, Store: store}, nil},
		{"missing provider", Config{Store: store}, ErrMissingProvider},
		{"missing store", Config{Provider: mock}, ErrMissingStore},
		{"negative rounds", Config{Provider: mock, Store: store, MaxToolRounds: -1}, ErrInvalidToolRounds},
		{"too many rounds", Config{Provider: mock, Store: store, MaxToolRounds: 101}, ErrInvalidToolRounds},
		{"temperature", Config{Provider: mock, Store: store, Temperature: 2.5}, ErrInvalidTemperature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	ctrl, err := New(Config{Provider: NewMockLLM(), Store: checkpoint.NewMemoryStore(), Logging: DefaultLoggingConfig().Silent()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if ctrl.model != DefaultModel {
		t.Errorf("expected model %q, got %q", DefaultModel, ctrl.model)
	}
	if ctrl.maxToolRounds != DefaultMaxToolRounds {
		t.Errorf("expected %d tool rounds, got %d", DefaultMaxToolRounds, ctrl.maxToolRounds)
	}
	if ctrl.titlePrompt != DefaultTitlePrompt {
		t.Errorf("unexpected title prompt %q", ctrl.titlePrompt)
	}
	if _, ok := ctrl.tracer.(*NoOpTracer); !ok {
		t.Errorf("expected NoOpTracer by default, got %T", ctrl.tracer)
	}

	if _, err := New(Config{Store: checkpoint.NewMemoryStore()}); !errors.Is(err, ErrMissingProvider) {
		t.Errorf("expected ErrMissingProvider, got %v", err)
	}
}

func TestSend_FirstTurnGeneratesTitle(t *testing.T) {
	mock := NewMockLLM().
		WithFinalResponse("Hello! How can I help?").
		WithFinalResponse("\"Friendly Greeting\"").
		WithFinalResponse("Hello again, what can I do for you?")
	ctrl := newTestController(t, mock)

	result, err := ctrl.Send(context.Background(), "thread-1", "hi there")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if result.Title != "Friendly Greeting" {
		t.Errorf("expected cleaned title, got %q", result.Title)
	}
	if result.Reply != "Hello again, what can I do for you?" {
		t.Errorf("expected reply of the post-title pass, got %q", result.Reply)
	}
	if result.Passes != 2 {
		t.Errorf("expected 2 completion passes, got %d", result.Passes)
	}
	if mock.CallCount() != 3 {
		t.Errorf("expected 3 provider calls, got %d", mock.CallCount())
	}

	reqs := mock.Requests()
	titleReq := reqs[1]
	if len(titleReq.Tools) != 0 {
		t.Errorf("title request must not offer tools, got %d", len(titleReq.Tools))
	}
	if len(titleReq.Messages) != 1 || titleReq.Messages[0].Content != DefaultTitlePrompt+"hi there" {
		t.Errorf("unexpected title request messages: %+v", titleReq.Messages)
	}

	cp, err := ctrl.Store().Latest(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if cp.ID != result.CheckpointID {
		t.Errorf("expected latest checkpoint %s, got %s", result.CheckpointID, cp.ID)
	}
	roles := make([]providers.MessageRole, 0, len(cp.State.Messages))
	for _, msg := range cp.State.Messages {
		roles = append(roles, msg.Role)
	}
	want := []providers.MessageRole{providers.RoleUser, providers.RoleAssistant, providers.RoleAssistant}
	if fmt.Sprint(roles) != fmt.Sprint(want) {
		t.Errorf("expected roles %v, got %v", want, roles)
	}
	if cp.State.Metadata.Title != "Friendly Greeting" {
		t.Errorf("expected persisted title, got %q", cp.State.Metadata.Title)
	}
}

func TestSend_TitleIsWriteOnce(t *testing.T) {
	mock := NewMockLLM().
		WithFinalResponse("first").
		WithFinalResponse("Title One").
		WithFinalResponse("first again").
		WithFinalResponse("second")
	ctrl := newTestController(t, mock)
	ctx := context.Background()

	if _, err := ctrl.Send(ctx, "t", "one"); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	result, err := ctrl.Send(ctx, "t", "two")
	if err != nil {
		t.Fatalf("second Send error: %v", err)
	}
	if result.Title != "Title One" {
		t.Errorf("expected title to persist, got %q", result.Title)
	}
	if result.Passes != 1 {
		t.Errorf("expected a single pass once titled, got %d", result.Passes)
	}
	if mock.CallCount() != 4 {
		t.Errorf("expected 4 provider calls, got %d", mock.CallCount())
	}

	history, err := ctrl.Store().History(ctx, "t")
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(history))
	}
	prev := history[0].State
	next := history[1].State
	if err := checkpoint.CheckAppend(&prev, next); err != nil {
		t.Errorf("history is not append-only: %v", err)
	}
	if len(next.Messages) != len(prev.Messages)+2 {
		t.Errorf("expected second turn to add 2 messages, got %d -> %d", len(prev.Messages), len(next.Messages))
	}
}

func TestSend_TitleFailureSkipsToCommit(t *testing.T) {
	mock := NewMockLLM().
		WithFinalResponse("answer").
		WithError(errors.New("title backend down")).
		WithFinalResponse("second answer").
		WithFinalResponse("Retried Title").
		WithFinalResponse("second answer, titled")
	ctrl := newTestController(t, mock)
	ctx := context.Background()

	result, err := ctrl.Send(ctx, "t", "question")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if result.Title != "" {
		t.Errorf("expected no title after failure, got %q", result.Title)
	}
	if result.Reply != "answer" {
		t.Errorf("expected first reply to stand, got %q", result.Reply)
	}

	result, err = ctrl.Send(ctx, "t", "follow up")
	if err != nil {
		t.Fatalf("second Send error: %v", err)
	}
	if result.Title != "Retried Title" {
		t.Errorf("expected title retried on the next turn, got %q", result.Title)
	}
	if got := mock.Requests()[3].Messages[0].Content; got != DefaultTitlePrompt+"question" {
		t.Errorf("expected title of the first user message, got %q", got)
	}
}

func TestSend_EmptyTitleCountsAsFailure(t *testing.T) {
	mock := NewMockLLM().
		WithFinalResponse("answer").
		WithFinalResponse("  \n ")
	ctrl := newTestController(t, mock)

	result, err := ctrl.Send(context.Background(), "t", "question")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if result.Title != "" || result.Passes != 1 {
		t.Errorf("expected untitled single pass, got title %q passes %d", result.Title, result.Passes)
	}
}

func TestSend_ToolRoundTrip(t *testing.T) {
	mock := NewMockLLM().
		WithResponse("", []ToolCall{{ID: "call_a", Name: "echo", Arguments: map[string]any{"text": "ping"}}}).
		WithFinalResponse("pong").
		WithFinalResponse("Echo Test").
		WithFinalResponse("pong!")
	ctrl := newTestController(t, mock)
	ctrl.AddTool(echoTool())

	result, err := ctrl.Send(context.Background(), "t", "echo ping")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if result.ToolRounds != 1 {
		t.Errorf("expected 1 tool round, got %d", result.ToolRounds)
	}

	msgs := result.State.Messages
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d: %+v", len(msgs), msgs)
	}
	toolMsg := msgs[2]
	if toolMsg.Role != providers.RoleTool || toolMsg.ToolCallID != "call_a" || toolMsg.Name != "echo" {
		t.Errorf("unexpected tool message: %+v", toolMsg)
	}
	if toolMsg.Content != `{"echo":"ping"}` {
		t.Errorf("unexpected tool content %q", toolMsg.Content)
	}

	req := mock.Requests()[0]
	if len(req.Tools) != 1 || req.Tools[0].Name != "echo" || req.ToolChoice != "auto" {
		t.Errorf("expected echo tool offered, got %+v", req.Tools)
	}
	if got := mock.Requests()[1].Messages; len(got) != 3 || got[2].Role != providers.RoleTool {
		t.Errorf("expected tool result in follow-up request, got %+v", got)
	}
}

func TestSend_ToolLoopExceeded(t *testing.T) {
	mock := NewMockLLM()
	mock.Always("", []ToolCall{{Name: "echo", Arguments: map[string]any{"text": "again"}}})
	ctrl := newTestController(t, mock, func(c *Config) { c.MaxToolRounds = 3 })
	ctrl.AddTool(echoTool())

	_, err := ctrl.Send(context.Background(), "loop", "go forever")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("expected ErrToolLoopExceeded, got %v", err)
	}
	if mock.CallCount() != 4 {
		t.Errorf("expected 4 completions for 3 rounds, got %d", mock.CallCount())
	}
	if _, err := ctrl.Store().Latest(context.Background(), "loop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no checkpoint, got %v", err)
	}
}

func TestSend_DefaultToolLoopBound(t *testing.T) {
	mock := NewMockLLM()
	mock.Always("", []ToolCall{{Name: "echo", Arguments: map[string]any{"text": "again"}}})
	ctrl := newTestController(t, mock)
	ctrl.AddTool(echoTool())

	_, err := ctrl.Send(context.Background(), "loop", "go forever")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("expected ErrToolLoopExceeded, got %v", err)
	}
	if mock.CallCount() != DefaultMaxToolRounds+1 {
		t.Errorf("expected %d completions, got %d", DefaultMaxToolRounds+1, mock.CallCount())
	}
}

func TestSend_UnknownToolIsFatal(t *testing.T) {
	var calls atomic.Int32
	counting := NewTool("echo").
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return "ok", nil
		}).
		MustBuild()

	mock := NewMockLLM().WithResponse("", []ToolCall{
		{Name: "echo", Arguments: map[string]any{}},
		{Name: "rm_rf", Arguments: map[string]any{}},
	})
	ctrl := newTestController(t, mock)
	ctrl.AddTool(counting)

	_, err := ctrl.Send(context.Background(), "t", "do it")
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) || unknown.Name != "rm_rf" {
		t.Fatalf("expected UnknownToolError for rm_rf, got %v", err)
	}
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected errors.Is ErrUnknownTool")
	}
	if calls.Load() != 0 {
		t.Errorf("expected no tool to run, ran %d", calls.Load())
	}
	if _, err := ctrl.Store().Latest(context.Background(), "t"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no checkpoint, got %v", err)
	}
}

func TestSend_CompletionFailureKeepsPriorState(t *testing.T) {
	mock := NewMockLLM().
		WithFinalResponse("one").
		WithFinalResponse("Title").
		WithFinalResponse("one, titled").
		WithError(errors.New("upstream 500"))
	ctrl := newTestController(t, mock)
	ctx := context.Background()

	first, err := ctrl.Send(ctx, "t", "first")
	if err != nil {
		t.Fatalf("first Send error: %v", err)
	}

	_, err = ctrl.Send(ctx, "t", "second")
	var ce *CompletionError
	if !errors.As(err, &ce) || ce.Provider != "mock" {
		t.Fatalf("expected CompletionError from mock, got %v", err)
	}
	if !errors.Is(err, ErrCompletion) {
		t.Errorf("expected errors.Is ErrCompletion")
	}

	cp, err := ctrl.Store().Latest(ctx, "t")
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if cp.ID != first.CheckpointID || len(cp.State.Messages) != len(first.State.Messages) {
		t.Errorf("expected prior checkpoint to stay current")
	}
}

func TestSend_ToolErrorBecomesMessage(t *testing.T) {
	failing := NewTool("quote").
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			return nil, Unavailable("quote", errors.New("backend refused"))
		}).
		MustBuild()

	mock := NewMockLLM().
		WithToolCall("quote", map[string]any{}).
		WithFinalResponse("Sorry, quotes are unavailable.").
		WithFinalResponse("Quote Request").
		WithFinalResponse("Sorry, still unavailable.")
	ctrl := newTestController(t, mock)
	ctrl.AddTool(failing)

	rec := NewEventRecorder()
	rec.Drain(ctrl.Run(context.Background(), "t", "price of X?"))

	if errs := rec.OfType(EventTypeError); len(errs) != 0 {
		t.Fatalf("tool error must not fail the turn: %v", errs[0].Err())
	}
	toolErrs := rec.OfType(EventTypeToolError)
	if len(toolErrs) != 1 {
		t.Fatalf("expected one tool.error event, got %d", len(toolErrs))
	}
	if toolErrs[0].Data["kind"] != string(ToolErrorUnavailable) {
		t.Errorf("expected unavailable kind, got %v", toolErrs[0].Data["kind"])
	}

	cp, err := ctrl.Store().Latest(context.Background(), "t")
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	toolMsg := cp.State.Messages[2]
	if !strings.HasPrefix(toolMsg.Content, "Error executing tool: ") || !strings.Contains(toolMsg.Content, "backend refused") {
		t.Errorf("unexpected tool message content %q", toolMsg.Content)
	}
}

func TestSend_ParallelToolsKeepCallOrder(t *testing.T) {
	var running, peak atomic.Int32
	slow := NewTool("wait").
		WithParameter("ms", Integer().Required()).
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			ms, _ := args["ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return fmt.Sprintf("waited %vms", ms), nil
		}).
		MustBuild()

	mock := NewMockLLM().
		WithResponse("", []ToolCall{
			{ID: "a", Name: "wait", Arguments: map[string]any{"ms": float64(60)}},
			{ID: "b", Name: "wait", Arguments: map[string]any{"ms": float64(30)}},
			{ID: "c", Name: "wait", Arguments: map[string]any{"ms": float64(1)}},
		}).
		WithFinalResponse("done")
	ctrl := newTestController(t, mock, func(c *Config) {
		c.Parallel = &ParallelConfig{Enabled: true, MaxConcurrent: 3}
	})
	ctrl.AddTool(slow)

	result, err := ctrl.Send(context.Background(), "t", "wait a bit")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	var ids []string
	for _, msg := range result.State.Messages {
		if msg.Role == providers.RoleTool {
			ids = append(ids, msg.ToolCallID)
		}
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("expected tool results in call order, got %v", ids)
	}
	if peak.Load() < 2 {
		t.Errorf("expected tool calls to overlap, peak concurrency %d", peak.Load())
	}
	if !mock.Requests()[0].ParallelToolCalls {
		t.Errorf("expected parallel tool calls to be advertised")
	}
}

func TestSend_RetriesTransientToolErrors(t *testing.T) {
	var attempts atomic.Int32
	flaky := NewTool("flaky").
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, Unavailable("flaky", fmt.Errorf("%w: status 429", ErrRateLimited))
			}
			return "finally", nil
		}).
		MustBuild()

	mock := NewMockLLM().
		WithToolCall("flaky", map[string]any{}).
		WithFinalResponse("ok")
	ctrl := newTestController(t, mock, func(c *Config) {
		c.Retry = &RetryConfig{
			MaxRetries:      3,
			InitialDelay:    time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			Multiplier:      2,
			RetryableErrors: []error{ErrRateLimited},
		}
	})
	ctrl.AddTool(flaky)

	result, err := ctrl.Send(context.Background(), "t", "try")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if got := result.State.Messages[2].Content; got != "finally" {
		t.Errorf("expected successful tool content, got %q", got)
	}
}

func TestSend_ToolTimeoutIsToolFailure(t *testing.T) {
	blocking := NewTool("block").
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, Unavailable("block", ctx.Err())
		}).
		MustBuild()

	mock := NewMockLLM().
		WithToolCall("block", map[string]any{}).
		WithFinalResponse("it timed out")
	ctrl := newTestController(t, mock, func(c *Config) {
		c.Timeout = &TimeoutConfig{ToolExecution: 20 * time.Millisecond}
	})
	ctrl.AddTool(blocking)

	result, err := ctrl.Send(context.Background(), "t", "block please")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := result.State.Messages[2].Content; !strings.Contains(got, "deadline exceeded") {
		t.Errorf("expected timeout in tool content, got %q", got)
	}
}

func TestRun_EventSequence(t *testing.T) {
	mock := NewMockLLM().
		WithToolCall("echo", map[string]any{"text": "x"}).
		WithFinalResponse("x")
	ctrl := newTestController(t, mock)
	ctrl.AddTool(echoTool())

	rec := NewEventRecorder()
	rec.Drain(ctrl.Run(context.Background(), "t", "say x"))

	want := []EventType{
		EventTypeTurnStart,
		EventTypeMessage,
		EventTypeReplyStart,
		EventTypeMessage,
		EventTypeToolStart,
		EventTypeToolResult,
		EventTypeMessage,
		EventTypeReplyStart,
		EventTypeMessage,
		EventTypeCommitted,
		EventTypeFinalOutput,
		EventTypeTurnComplete,
	}
	// The scripted title attempt fails (no more steps), so the turn commits after one reply.
	if got := rec.Types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected event sequence:\n got %v\nwant %v", got, want)
	}

	for _, e := range rec.Events() {
		if e.ThreadID != "t" {
			t.Errorf("event %s missing thread id", e.Type)
		}
	}
	toolStart := rec.OfType(EventTypeToolStart)[0]
	if toolStart.Data["round"] != 1 || toolStart.Data["description"] != "Using Echo..." {
		t.Errorf("unexpected tool.start data: %v", toolStart.Data)
	}
	complete := rec.OfType(EventTypeTurnComplete)[0]
	if complete.Data["rounds"] != 1 {
		t.Errorf("expected rounds=1 on turn.complete, got %v", complete.Data["rounds"])
	}
}

func TestRun_StreamsTokens(t *testing.T) {
	mock := NewMockLLM()
	mock.WithStream([]providers.StreamChunk{
		{Content: "Hel"},
		{Content: "lo"},
		{Content: "!"},
		{IsComplete: true, FinishReason: providers.FinishReasonStop, Usage: &providers.TokenUsage{TotalTokens: 7}},
	})
	mock.WithFinalResponse("Greeting")
	mock.WithStream([]providers.StreamChunk{
		{Content: "Hi again"},
		{IsComplete: true, FinishReason: providers.FinishReasonStop},
	})
	ctrl := newTestController(t, mock, func(c *Config) { c.Stream = true })

	rec := NewEventRecorder()
	rec.Drain(ctrl.Run(context.Background(), "t", "hello"))

	if got := rec.Text(); got != "Hello!Hi again" {
		t.Errorf("unexpected streamed text %q", got)
	}
	if n := len(rec.OfType(EventTypeReplyStart)); n != 2 {
		t.Errorf("expected 2 reply.start events, got %d", n)
	}
	titles := rec.OfType(EventTypeTitle)
	if len(titles) != 1 || titles[0].Data["title"] != "Greeting" {
		t.Errorf("expected title event, got %v", titles)
	}

	cp, err := ctrl.Store().Latest(context.Background(), "t")
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if last := cp.State.Messages[len(cp.State.Messages)-1]; last.Content != "Hi again" {
		t.Errorf("expected streamed reply persisted, got %q", last.Content)
	}
}

func TestRun_StreamedToolCalls(t *testing.T) {
	mock := NewMockLLM()
	mock.WithStream([]providers.StreamChunk{
		{ToolCallID: "call_x", ToolName: "echo", ToolArgs: `{"text":"streamed"}`},
		{IsComplete: true, FinishReason: providers.FinishReasonToolCalls},
	})
	mock.WithStream([]providers.StreamChunk{
		{Content: "streamed"},
		{IsComplete: true},
	})
	ctrl := newTestController(t, mock, func(c *Config) { c.Stream = true })
	ctrl.AddTool(echoTool())

	result, err := ctrl.Send(context.Background(), "t", "stream a tool")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	call := result.State.Messages[1].ToolCalls[0]
	if call.ID != "call_x" || call.Arguments["text"] != "streamed" {
		t.Errorf("unexpected streamed tool call %+v", call)
	}
	if got := result.State.Messages[2].Content; got != `{"echo":"streamed"}` {
		t.Errorf("unexpected tool content %q", got)
	}
}

func TestRun_CancelAbortsBeforeCommit(t *testing.T) {
	started := make(chan struct{})
	blocking := NewTool("block").
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		MustBuild()

	mock := NewMockLLM().WithToolCall("block", map[string]any{})
	ctrl := newTestController(t, mock)
	ctrl.AddTool(blocking)

	ctx, cancel := context.WithCancel(context.Background())
	events := ctrl.Run(ctx, "t", "hang")
	<-started
	cancel()

	for range events {
	}

	if _, err := ctrl.Store().Latest(context.Background(), "t"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no checkpoint after cancel, got %v", err)
	}
	if n := ctrl.locks.size(); n != 0 {
		t.Errorf("expected thread lock released, %d held", n)
	}
}

func TestRun_TurnTimeout(t *testing.T) {
	blocking := NewTool("block").
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		MustBuild()
	mock := NewMockLLM().WithToolCall("block", map[string]any{})
	ctrl := newTestController(t, mock, func(c *Config) {
		c.Timeout = &TimeoutConfig{Turn: 30 * time.Millisecond}
	})
	ctrl.AddTool(blocking)

	rec := NewEventRecorder()
	rec.Drain(ctrl.Run(context.Background(), "t", "hang"))

	errs := rec.OfType(EventTypeError)
	if len(errs) != 1 || !strings.Contains(errs[0].Err(), "deadline exceeded") {
		t.Fatalf("expected a deadline error event, got %v", errs)
	}
}

func TestSend_RejectsEmptyInput(t *testing.T) {
	ctrl := newTestController(t, NewMockLLM())
	if _, err := ctrl.Send(context.Background(), "", "hi"); !errors.Is(err, ErrEmptyThreadID) {
		t.Errorf("expected ErrEmptyThreadID, got %v", err)
	}
	if _, err := ctrl.Send(context.Background(), "t", ""); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

func TestSend_SameThreadIsSerialized(t *testing.T) {
	mock := NewMockLLM()
	mock.Always("ok", nil)
	ctrl := newTestController(t, mock)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ctrl.Send(context.Background(), "shared", fmt.Sprintf("message %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Send error: %v", err)
		}
	}

	history, err := ctrl.Store().History(context.Background(), "shared")
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		prev := history[i-1].State
		if err := checkpoint.CheckAppend(&prev, history[i].State); err != nil {
			t.Errorf("checkpoint %d does not extend %d: %v", i, i-1, err)
		}
	}
}

func TestSend_DistinctThreadsConcurrently(t *testing.T) {
	mock := NewMockLLM()
	mock.Always("ok", nil)
	ctrl := newTestController(t, mock)

	var wg sync.WaitGroup
	for _, id := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := ctrl.Send(context.Background(), id, "hi"); err != nil {
				t.Errorf("Send(%s) error: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	threads, err := ctrl.Store().ListThreads(context.Background())
	if err != nil {
		t.Fatalf("ListThreads error: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected both threads once, got %v", threads)
	}
	seen := map[string]bool{}
	for _, id := range threads {
		seen[id] = true
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("expected alpha and beta, got %v", threads)
	}
}

type recordingMiddleware struct {
	middleware.BaseMiddleware
	mu    sync.Mutex
	calls []string
}

func (r *recordingMiddleware) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recordingMiddleware) OnTurnStart(ctx context.Context, threadID, input string) context.Context {
	r.add("turn.start:" + threadID)
	return ctx
}

func (r *recordingMiddleware) OnTurnComplete(ctx context.Context, threadID, output string, err error) {
	r.add("turn.complete:" + output)
}

func (r *recordingMiddleware) OnToolStart(ctx context.Context, tool string, args any) context.Context {
	r.add("tool.start:" + tool)
	return ctx
}

func (r *recordingMiddleware) OnToolComplete(ctx context.Context, tool string, result any, err error) {
	r.add("tool.complete:" + tool)
}

func (r *recordingMiddleware) OnLLMCall(ctx context.Context, req any) context.Context {
	r.add("llm.call")
	return ctx
}

func (r *recordingMiddleware) OnLLMResponse(ctx context.Context, resp any, err error) {
	r.add("llm.response")
}

func TestUse_MiddlewareHooks(t *testing.T) {
	mock := NewMockLLM().
		WithToolCall("echo", map[string]any{"text": "hi"}).
		WithFinalResponse("hi")
	ctrl := newTestController(t, mock)
	ctrl.AddTool(echoTool())
	rec := &recordingMiddleware{}
	ctrl.Use(rec)
	ctrl.Use(nil)

	if _, err := ctrl.Send(context.Background(), "t", "echo hi"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	want := []string{
		"turn.start:t",
		"llm.call", "llm.response",
		"tool.start:echo", "tool.complete:echo",
		"llm.call", "llm.response",
		// failed title attempt
		"llm.call", "llm.response",
		"turn.complete:hi",
	}
	if strings.Join(rec.calls, " ") != strings.Join(want, " ") {
		t.Errorf("unexpected hook order:\n got %v\nwant %v", rec.calls, want)
	}
}

func TestPromptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.jsonl")
	mock := NewMockLLM().WithFinalResponse("hello")
	ctrl := newTestController(t, mock, func(c *Config) {
		logCfg := DefaultLoggingConfig().Silent()
		logCfg.PromptLogPath = path
		c.Logging = logCfg
	})

	if _, err := ctrl.Send(context.Background(), "t", "log me"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read prompt log: %v", err)
	}
	if !strings.Contains(string(data), "log me") || !strings.Contains(string(data), `"thread_id":"t"`) {
		t.Errorf("unexpected prompt log: %s", data)
	}
}

func TestLoadState(t *testing.T) {
	ctrl := newTestController(t, NewMockLLM())
	state, err := ctrl.LoadState(context.Background(), "missing")
	if err != nil {
		t.Fatalf("LoadState error: %v", err)
	}
	if len(state.Messages) != 0 {
		t.Errorf("expected empty state for new thread")
	}
}

func TestCleanTitle(t *testing.T) {
	tests := map[string]string{
		"Simple Title":                "Simple Title",
		"  \"Quoted Title\"  ":        "Quoted Title",
		"**Bold Title**\nextra words": "Bold Title",
		"\n\n  'Later line'":          "Later line",
		"   ":                         "",
	}
	for in, want := range tests {
		if got := cleanTitle(in); got != want {
			t.Errorf("cleanTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureToolCallIDs(t *testing.T) {
	calls := ensureToolCallIDs([]providers.ToolCall{{Name: "a"}, {ID: "call_1", Name: "b"}, {Name: "c"}})
	if calls[0].ID != "call_2" || calls[1].ID != "call_1" || calls[2].ID != "call_3" {
		t.Errorf("unexpected ids: %s %s %s", calls[0].ID, calls[1].ID, calls[2].ID)
	}
}

func TestThreadLocks_AcquireHonorsContext(t *testing.T) {
	var locks threadLocks
	release, err := locks.acquire(context.Background(), "t")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.acquire(ctx, "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while lock held, got %v", err)
	}

	release()
	if locks.size() != 0 {
		t.Errorf("expected lock entry dropped, %d left", locks.size())
	}
}

func TestRetryAndTimeoutAliases(t *testing.T) {
	if DefaultRetryConfig().MaxRetries != retry.DefaultConfig().MaxRetries {
		t.Error("DefaultRetryConfig should re-export retry defaults")
	}
	if DefaultTimeoutConfig() != timeout.DefaultConfig() {
		t.Error("DefaultTimeoutConfig should re-export timeout defaults")
	}
}
