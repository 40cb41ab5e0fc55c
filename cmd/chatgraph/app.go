package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/chatgraph"
	"github.com/darkostanimirovic/chatgraph/internal/config"
	"github.com/darkostanimirovic/chatgraph/internal/logging"
	"github.com/darkostanimirovic/chatgraph/providers"
	"github.com/darkostanimirovic/chatgraph/providers/openai"
	"github.com/darkostanimirovic/chatgraph/tools/calculator"
	"github.com/darkostanimirovic/chatgraph/tools/search"
	"github.com/darkostanimirovic/chatgraph/tools/stock"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger

	// provider replaces the configured completion endpoint when set.
	provider providers.Provider
}

// load reads the configuration and builds the logger. It runs before every subcommand.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := cfg.LoggingConfig(a.verbose)
	logCfg.Output = cmd.ErrOrStderr()
	a.logger = logging.ResolveLogger(logCfg)
	return nil
}

// openStore opens the configured checkpoint store.
func (a *app) openStore() (chatgraph.Store, error) {
	store, err := chatgraph.OpenStore(a.cfg.Store.Backend, a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Store.Backend, err)
	}
	return store, nil
}

// runtime is a wired controller plus the resources it owns.
type runtime struct {
	ctrl   *chatgraph.Controller
	store  chatgraph.Store
	tracer chatgraph.Tracer
}

// Close flushes traces and closes the store.
func (r *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if ot, ok := r.tracer.(*chatgraph.OTelTracer); ok {
		if err := ot.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// newRuntime wires the controller from the loaded configuration.
func (a *app) newRuntime(ctx context.Context) (*runtime, error) {
	cfg := a.cfg

	provider := a.provider
	if provider == nil {
		if cfg.LLM.APIKey == "" {
			return nil, errors.New("GROQ_API_KEY is not set")
		}
		provider = openai.New(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Name:    "groq",
			Logger:  a.logger,
		})
	}

	var tracer chatgraph.Tracer = &chatgraph.NoOpTracer{}
	if cfg.Tracing.Enabled {
		ot, err := chatgraph.NewOTelTracer(ctx, chatgraph.OTelConfig{
			Endpoint:          cfg.Tracing.Endpoint,
			LangfusePublicKey: cfg.Tracing.LangfusePublicKey,
			LangfuseSecretKey: cfg.Tracing.LangfuseSecretKey,
			ServiceName:       cfg.Tracing.ServiceName,
			Environment:       cfg.Tracing.Environment,
		})
		if err != nil {
			return nil, err
		}
		tracer = ot
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.LoggingConfig(a.verbose)
	logCfg.Logger = a.logger
	retryCfg := cfg.Retry()
	timeoutCfg := cfg.Timeouts()
	parallelCfg := cfg.Parallel()

	var systemPrompt chatgraph.SystemPromptFunc
	if cfg.LLM.SystemPrompt != "" {
		prompt := cfg.LLM.SystemPrompt
		systemPrompt = func(context.Context) string { return prompt }
	}

	ctrl, err := chatgraph.New(chatgraph.Config{
		Provider:      provider,
		Store:         store,
		Model:         cfg.LLM.Model,
		SystemPrompt:  systemPrompt,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxToolRounds: cfg.Turn.MaxToolRounds,
		Stream:        cfg.LLM.Stream,
		TitlePrompt:   cfg.LLM.TitlePrompt,
		Retry:         &retryCfg,
		Timeout:       &timeoutCfg,
		Logging:       &logCfg,
		Parallel:      &parallelCfg,
		Tracer:        tracer,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Tools.Calculator.Enabled {
		ctrl.AddTool(calculator.New())
	}
	if cfg.Tools.Search.Enabled {
		ctrl.AddTool(search.New(search.Config{
			Region:      cfg.Tools.Search.Region,
			MaxResults:  cfg.Tools.Search.MaxResults,
			MinInterval: cfg.Tools.Search.MinInterval,
			Logger:      a.logger,
		}))
	}
	if cfg.Tools.Stock.Enabled {
		ctrl.AddTool(stock.New(stock.Config{
			APIKey:  cfg.Tools.Stock.APIKey,
			BaseURL: cfg.Tools.Stock.BaseURL,
			Logger:  a.logger,
		}))
	}
	a.logger.Debug("controller ready",
		"provider", provider.Name(),
		"model", cfg.LLM.Model,
		"store", cfg.Store.Backend,
		"tools", ctrl.Tools(),
	)

	return &runtime{ctrl: ctrl, store: store, tracer: tracer}, nil
}
