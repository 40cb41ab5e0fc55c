// Package chatgraph runs a conversational assistant as a fixed turn graph: complete, dispatch
// tools, generate a thread title once, and commit the thread as an append-only checkpoint.
package chatgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkostanimirovic/chatgraph/internal/checkpoint"
	"github.com/darkostanimirovic/chatgraph/internal/logging"
	"github.com/darkostanimirovic/chatgraph/internal/parallel"
	"github.com/darkostanimirovic/chatgraph/internal/retry"
	"github.com/darkostanimirovic/chatgraph/internal/timeout"
	"github.com/darkostanimirovic/chatgraph/middleware"
	"github.com/darkostanimirovic/chatgraph/providers"
)

// Type aliases for internal package types
type (
	Store          = checkpoint.Store
	State          = checkpoint.State
	Metadata       = checkpoint.Metadata
	Checkpoint     = checkpoint.Checkpoint
	ThreadTitle    = checkpoint.ThreadTitle
	RetryConfig    = retry.Config
	TimeoutConfig  = timeout.Config
	LoggingConfig  = logging.Config
	ParallelConfig = parallel.Config
	Middleware     = middleware.Middleware
)

// Function re-exports for convenience
var (
	NewMemoryStore        = checkpoint.NewMemoryStore
	OpenStore             = checkpoint.Open
	DefaultRetryConfig    = retry.DefaultConfig
	DefaultTimeoutConfig  = timeout.DefaultConfig
	DefaultLoggingConfig  = logging.DefaultConfig
	DefaultParallelConfig = parallel.DefaultConfig
)

const (
	DefaultModel         = "openai/gpt-oss-20b"
	DefaultMaxToolRounds = 10
	DefaultTitlePrompt   = "Generate a very short, 3-6 word title summarizing this query:\n\n"

	defaultEventBuffer = 10
)

// SystemPromptFunc builds the system prompt from context.
type SystemPromptFunc func(ctx context.Context) string

// Controller runs user turns against a provider, a tool set and a checkpoint store.
// Register tools and middleware before the first turn.
type Controller struct {
	provider       providers.Provider
	store          Store
	model          string
	systemPrompt   SystemPromptFunc
	tools          map[string]Tool
	temperature    float32
	maxTokens      int
	maxToolRounds  int
	stream         bool
	titlePrompt    string
	retryConfig    RetryConfig
	timeoutConfig  TimeoutConfig
	loggingConfig  LoggingConfig
	logger         *slog.Logger
	middlewares    []Middleware
	eventBuffer    int
	parallelConfig ParallelConfig
	tracer         Tracer

	locks threadLocks
}

// Config holds controller configuration.
type Config struct {
	Provider      providers.Provider
	Store         Store
	Model         string
	SystemPrompt  SystemPromptFunc
	Temperature   float32
	MaxTokens     int
	MaxToolRounds int
	Stream        bool
	TitlePrompt   string
	Retry         *RetryConfig
	Timeout       *TimeoutConfig
	Logging       *LoggingConfig
	Parallel      *ParallelConfig
	EventBuffer   int
	Tracer        Tracer
}

// Common validation errors.
var (
	ErrMissingProvider    = errors.New("chatgraph: Provider is required")
	ErrMissingStore       = errors.New("chatgraph: Store is required")
	ErrInvalidToolRounds  = errors.New("chatgraph: MaxToolRounds must be between 1 and 100")
	ErrInvalidTemperature = errors.New("chatgraph: Temperature must be between 0.0 and 2.0")
)

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Provider == nil {
		return ErrMissingProvider
	}
	if c.Store == nil {
		return ErrMissingStore
	}
	if c.MaxToolRounds < 0 || c.MaxToolRounds > 100 {
		return ErrInvalidToolRounds
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return ErrInvalidTemperature
	}
	return nil
}

// DefaultConfig returns sensible defaults. Provider and Store still have to be set.
func DefaultConfig() Config {
	return Config{
		Model:         DefaultModel,
		MaxToolRounds: DefaultMaxToolRounds,
		Stream:        true,
		TitlePrompt:   DefaultTitlePrompt,
	}
}

// New creates a controller with the given configuration.
func New(cfg Config) (*Controller, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxToolRounds == 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.TitlePrompt == "" {
		cfg.TitlePrompt = DefaultTitlePrompt
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}

	loggingConfig := DefaultLoggingConfig()
	if cfg.Logging != nil {
		loggingConfig = *cfg.Logging
	}
	logger := logging.ResolveLogger(loggingConfig)

	retryConfig := DefaultRetryConfig()
	if cfg.Retry != nil {
		retryConfig = *cfg.Retry
	}

	timeoutConfig := DefaultTimeoutConfig()
	if cfg.Timeout != nil {
		timeoutConfig = *cfg.Timeout
	}

	parallelConfig := DefaultParallelConfig()
	if cfg.Parallel != nil {
		parallelConfig = *cfg.Parallel
	}
	if parallelConfig.MaxConcurrent <= 0 {
		parallelConfig.MaxConcurrent = 1
	}

	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = &NoOpTracer{}
	}

	return &Controller{
		provider:       cfg.Provider,
		store:          cfg.Store,
		model:          cfg.Model,
		systemPrompt:   cfg.SystemPrompt,
		tools:          make(map[string]Tool),
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		maxToolRounds:  cfg.MaxToolRounds,
		stream:         cfg.Stream,
		titlePrompt:    cfg.TitlePrompt,
		retryConfig:    retryConfig,
		timeoutConfig:  timeoutConfig,
		loggingConfig:  loggingConfig,
		logger:         logger,
		eventBuffer:    eventBuffer,
		parallelConfig: parallelConfig,
		tracer:         tracer,
	}, nil
}

// AddTool registers a tool with the controller.
func (c *Controller) AddTool(tool Tool) {
	c.tools[tool.Name()] = tool
}

// Tools returns the registered tool names in sorted order.
func (c *Controller) Tools() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Use registers middleware for turn execution hooks.
func (c *Controller) Use(m Middleware) {
	if m == nil {
		return
	}
	c.middlewares = append(c.middlewares, m)
}

// Store returns the checkpoint store the controller commits to.
func (c *Controller) Store() Store {
	return c.store
}

// Logger returns the resolved logger.
func (c *Controller) Logger() *slog.Logger {
	return c.logger
}

// NewThreadID allocates a fresh thread ID.
func NewThreadID() string {
	return uuid.NewString()
}

// LoadState returns the latest committed state of a thread, or an empty state for a new thread.
func (c *Controller) LoadState(ctx context.Context, threadID string) (State, error) {
	cp, err := c.store.Latest(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	return cp.State, nil
}

// TurnResult summarizes a committed turn.
type TurnResult struct {
	ThreadID     string
	CheckpointID string
	Reply        string
	Title        string
	State        State
	Usage        providers.TokenUsage
	ToolRounds   int
	Passes       int
}

// Run executes one user turn and streams its events. The channel is closed when the turn ends.
// Callers must drain the channel or cancel ctx.
func (c *Controller) Run(ctx context.Context, threadID, input string) <-chan Event {
	events := make(chan Event, c.eventBuffer)
	go func() {
		defer close(events)
		_, _ = c.turn(ctx, threadID, input, events)
	}()
	return events
}

// Send executes one user turn and blocks until it is committed or fails.
func (c *Controller) Send(ctx context.Context, threadID, input string) (*TurnResult, error) {
	events := make(chan Event, c.eventBuffer)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range events {
		}
	}()
	result, err := c.turn(ctx, threadID, input, events)
	close(events)
	<-drained
	return result, err
}

func (c *Controller) turn(parent context.Context, threadID, input string, events chan<- Event) (*TurnResult, error) {
	startTime := time.Now()

	if threadID == "" {
		c.emitTerminal(parent, events, c.decorate(parent, threadID, Error(ErrEmptyThreadID)))
		return nil, ErrEmptyThreadID
	}
	if input == "" {
		c.emitTerminal(parent, events, c.decorate(parent, threadID, Error(ErrEmptyInput)))
		return nil, ErrEmptyInput
	}

	ctx, endTrace := c.tracer.StartTrace(parent, "chat.turn",
		WithSessionID(threadID),
		WithTraceInput(input),
		WithTraceStartTime(startTime),
	)
	defer endTrace()
	ctx = WithTracer(ctx, c.tracer)
	ctx = WithThreadID(ctx, threadID)

	ctx, cancel := timeout.With(ctx, c.timeoutConfig.Turn)
	defer cancel()

	release, err := c.locks.acquire(ctx, threadID)
	if err != nil {
		err = fmt.Errorf("waiting for thread %s: %w", threadID, err)
		c.logger.Error("turn failed", "thread_id", threadID, "error", err)
		c.emitTerminal(parent, events, c.decorate(ctx, threadID, Error(err)))
		return nil, err
	}
	defer release()

	ctx = c.applyTurnStart(ctx, threadID, input)
	c.logger.Info("turn started", "thread_id", threadID, "input_length", len(input))

	result, err := c.runGraph(ctx, threadID, input, events)

	output := ""
	if result != nil {
		output = result.Reply
	}
	c.applyTurnComplete(ctx, threadID, output, err)

	if err != nil {
		c.tracer.RecordError(ctx, err)
		c.logger.Error("turn failed", "thread_id", threadID, "error", err)
		c.emitTerminal(parent, events, c.decorate(ctx, threadID, Error(err)))
		return nil, err
	}

	_ = c.tracer.SetSpanOutput(ctx, result.Reply)
	c.logger.Info("turn committed",
		"thread_id", threadID,
		"checkpoint_id", result.CheckpointID,
		"rounds", result.ToolRounds,
		"total_tokens", result.Usage.TotalTokens,
	)

	c.emitTerminal(parent, events, c.decorate(ctx, threadID, FinalOutput(result.Reply)))
	duration := time.Since(startTime).Milliseconds()
	c.emitTerminal(parent, events, c.decorate(ctx, threadID, TurnComplete(result, duration)))
	return result, nil
}

// Middleware application methods
func (c *Controller) applyTurnStart(ctx context.Context, threadID, input string) context.Context {
	for _, m := range c.middlewares {
		ctx = m.OnTurnStart(ctx, threadID, input)
	}
	return ctx
}

func (c *Controller) applyTurnComplete(ctx context.Context, threadID, output string, err error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		c.middlewares[i].OnTurnComplete(ctx, threadID, output, err)
	}
}

func (c *Controller) applyToolStart(ctx context.Context, tool string, args any) context.Context {
	for _, m := range c.middlewares {
		ctx = m.OnToolStart(ctx, tool, args)
	}
	return ctx
}

func (c *Controller) applyToolComplete(ctx context.Context, tool string, result any, err error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		c.middlewares[i].OnToolComplete(ctx, tool, result, err)
	}
}

func (c *Controller) applyLLMCall(ctx context.Context, req any) context.Context {
	for _, m := range c.middlewares {
		ctx = m.OnLLMCall(ctx, req)
	}
	return ctx
}

func (c *Controller) applyLLMResponse(ctx context.Context, resp any, err error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		c.middlewares[i].OnLLMResponse(ctx, resp, err)
	}
}

// decorate stamps the thread, trace and round onto an event.
func (c *Controller) decorate(ctx context.Context, threadID string, event Event) Event {
	event.ThreadID = threadID
	event.TraceID, event.SpanID = traceIDs(ctx)
	if round, ok := GetRound(ctx); ok {
		if event.Data == nil {
			event.Data = map[string]any{}
		}
		if _, exists := event.Data["round"]; !exists {
			event.Data["round"] = round
		}
	}
	return event
}

// emit delivers an event or fails once ctx is done.
func (c *Controller) emit(ctx context.Context, events chan<- Event, event Event) error {
	threadID, _ := GetThreadID(ctx)
	event = c.decorate(ctx, threadID, event)
	select {
	case events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emitTerminal delivers the closing events of a turn. It waits on the caller's context only,
// so a turn that hit its own deadline still reports why.
func (c *Controller) emitTerminal(parent context.Context, events chan<- Event, event Event) {
	select {
	case events <- event:
		return
	default:
	}
	select {
	case events <- event:
	case <-parent.Done():
	}
}

// threadLocks serializes turns on the same thread.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*threadLock)
	}
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			l.unref(threadID, tl)
		}, nil
	case <-ctx.Done():
		l.unref(threadID, tl)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) unref(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

// size reports the number of threads with a held or awaited lock.
func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
