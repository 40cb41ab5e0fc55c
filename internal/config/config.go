// Package config loads the chatgraph YAML configuration with .env and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/darkostanimirovic/chatgraph/internal/checkpoint"
	"github.com/darkostanimirovic/chatgraph/internal/logging"
	"github.com/darkostanimirovic/chatgraph/internal/parallel"
	"github.com/darkostanimirovic/chatgraph/internal/retry"
	"github.com/darkostanimirovic/chatgraph/internal/timeout"
)

// DefaultPath is read when no --config flag is given. A missing default file is not an error.
const DefaultPath = "chatgraph.yaml"

// Config is the full application configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Turn    TurnConfig    `yaml:"turn"`
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
	Tools   ToolsConfig   `yaml:"tools"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LLMConfig selects the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	Stream       bool    `yaml:"stream"`
	SystemPrompt string  `yaml:"system_prompt"`
	TitlePrompt  string  `yaml:"title_prompt"`
}

// TurnConfig bounds one conversation turn.
type TurnConfig struct {
	MaxToolRounds      int           `yaml:"max_tool_rounds"`
	Timeout            time.Duration `yaml:"timeout"`
	LLMTimeout         time.Duration `yaml:"llm_timeout"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	StreamChunkTimeout time.Duration `yaml:"stream_chunk_timeout"`
	ToolRetries        int           `yaml:"tool_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	MaxParallelTools   int           `yaml:"max_parallel_tools"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the HTTP UI and API.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	CORSOrigins []string      `yaml:"cors_origins"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// ToolsConfig enables and configures the tool adapters.
type ToolsConfig struct {
	Calculator CalculatorConfig `yaml:"calculator"`
	Search     SearchConfig     `yaml:"search"`
	Stock      StockConfig      `yaml:"stock"`
}

type CalculatorConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SearchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Region      string        `yaml:"region"`
	MaxResults  int           `yaml:"max_results"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type StockConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig configures the slog handler and the prompt log.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	PromptLog    string `yaml:"prompt_log"`
	LogToolCalls bool   `yaml:"log_tool_calls"`
}

// TracingConfig configures the OTLP exporter. Langfuse keys switch on basic auth.
type TracingConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	LangfusePublicKey string `yaml:"langfuse_public_key"`
	LangfuseSecretKey string `yaml:"langfuse_secret_key"`
	ServiceName       string `yaml:"service_name"`
	Environment       string `yaml:"environment"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	timeouts := timeout.DefaultConfig()
	return &Config{
		LLM: LLMConfig{
			BaseURL: "https://api.groq.com/openai/v1",
			Model:   "openai/gpt-oss-20b",
			Stream:  true,
		},
		Turn: TurnConfig{
			MaxToolRounds:      10,
			Timeout:            timeouts.Turn,
			LLMTimeout:         timeouts.LLMCall,
			ToolTimeout:        timeouts.ToolExecution,
			StreamChunkTimeout: timeouts.StreamChunk,
			ToolRetries:        2,
			RetryDelay:         500 * time.Millisecond,
			MaxParallelTools:   4,
		},
		Store: StoreConfig{
			Backend: checkpoint.BackendBolt,
			Path:    "chatgraph.db",
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8080",
			CORSOrigins: []string{"http://localhost:3000"},
			KeepAlive:   15 * time.Second,
		},
		Tools: ToolsConfig{
			Calculator: CalculatorConfig{Enabled: true},
			Search:     SearchConfig{Enabled: true, Region: "us-en", MaxResults: 5, MinInterval: time.Second},
			Stock:      StockConfig{Enabled: true},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Tracing: TracingConfig{
			ServiceName: "chatgraph",
			Environment: "dev",
		},
	}
}

// Load reads .env (if present), the YAML file at path, then environment overrides, and validates
// the result. An empty path or a missing DefaultPath yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if v := os.Getenv("CHATGRAPH_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("CHATGRAPH_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if key := os.Getenv("ALPHA_VANTAGE_API_KEY"); key != "" {
		c.Tools.Stock.APIKey = key
	}
	if v := os.Getenv("CHATGRAPH_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CHATGRAPH_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CHATGRAPH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("CHATGRAPH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATGRAPH_PROMPT_LOG"); v != "" {
		c.Logging.PromptLog = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("CHATGRAPH_TRACING"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
	if key := os.Getenv("LANGFUSE_PUBLIC_KEY"); key != "" {
		c.Tracing.LangfusePublicKey = key
	}
	if key := os.Getenv("LANGFUSE_SECRET_KEY"); key != "" {
		c.Tracing.LangfuseSecretKey = key
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.LLM),
		validation.Field(&c.Turn),
		validation.Field(&c.Store),
		validation.Field(&c.Server),
		validation.Field(&c.Tools),
		validation.Field(&c.Logging),
		validation.Field(&c.Tracing),
	)
}

func (c LLMConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required, validation.By(httpURL)),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Temperature, validation.Min(float32(0)), validation.Max(float32(2))),
		validation.Field(&c.MaxTokens, validation.Min(0)),
	)
}

func (c TurnConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxToolRounds, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.LLMTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.ToolTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.StreamChunkTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.ToolRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.MaxParallelTools, validation.Min(0)),
	)
}

func (c StoreConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.In(checkpoint.BackendMemory, checkpoint.BackendBolt, checkpoint.BackendSQLite)),
		validation.Field(&c.Path, validation.When(c.Backend != checkpoint.BackendMemory, validation.Required)),
	)
}

func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.KeepAlive, validation.Min(time.Duration(0))),
	)
}

func (c ToolsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Search),
		validation.Field(&c.Stock),
	)
}

func (c SearchConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxResults, validation.Min(0), validation.Max(25)),
	)
}

func (c StockConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.By(httpURL)),
	)
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.By(func(value any) error {
			_, err := logging.ParseLevel(value.(string))
			return err
		})),
		validation.Field(&c.Format, validation.In(logging.FormatText, logging.FormatJSON)),
	)
}

func (c TracingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Endpoint, validation.When(c.Enabled, validation.Required), validation.By(httpURL)),
		validation.Field(&c.LangfuseSecretKey, validation.When(c.LangfusePublicKey != "", validation.Required)),
		validation.Field(&c.LangfusePublicKey, validation.When(c.LangfuseSecretKey != "", validation.Required)),
	)
}

// httpURL accepts an empty string or an absolute http(s) URL.
func httpURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

// Timeouts returns the per-operation deadlines.
func (c *Config) Timeouts() timeout.Config {
	return timeout.Config{
		Turn:          c.Turn.Timeout,
		LLMCall:       c.Turn.LLMTimeout,
		ToolExecution: c.Turn.ToolTimeout,
		StreamChunk:   c.Turn.StreamChunkTimeout,
	}
}

// Retry returns the tool retry policy.
func (c *Config) Retry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = c.Turn.ToolRetries
	if c.Turn.RetryDelay > 0 {
		cfg.InitialDelay = c.Turn.RetryDelay
	}
	return cfg
}

// Parallel returns the tool dispatch policy.
func (c *Config) Parallel() parallel.Config {
	if c.Turn.MaxParallelTools <= 1 {
		return parallel.Sequential()
	}
	return parallel.Config{Enabled: true, MaxConcurrent: c.Turn.MaxParallelTools}
}

// LoggingConfig returns the logger settings. verbose forces debug level.
func (c *Config) LoggingConfig(verbose bool) logging.Config {
	cfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
		cfg.LogResponses = true
	}
	cfg.Level = level
	cfg.Format = c.Logging.Format
	cfg.PromptLogPath = c.Logging.PromptLog
	cfg.LogToolCalls = c.Logging.LogToolCalls || verbose
	return cfg
}
