package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var overrideVars = []string{
	"GROQ_API_KEY", "CHATGRAPH_BASE_URL", "CHATGRAPH_MODEL", "ALPHA_VANTAGE_API_KEY",
	"CHATGRAPH_STORE", "CHATGRAPH_DB", "CHATGRAPH_ADDR", "CORS_ORIGINS", "CHATGRAPH_LOG_LEVEL",
	"CHATGRAPH_PROMPT_LOG", "OTEL_EXPORTER_OTLP_ENDPOINT", "CHATGRAPH_TRACING",
	"LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range overrideVars {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatgraph.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
llm:
  model: llama-3.1-8b-instant
  stream: false
turn:
  max_tool_rounds: 4
  tool_timeout: 5s
store:
  backend: sqlite
  path: /tmp/threads.db
tools:
  search:
    enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.Model != "llama-3.1-8b-instant" || cfg.LLM.Stream {
		t.Errorf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.LLM.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("expected default base url kept, got %q", cfg.LLM.BaseURL)
	}
	if cfg.Turn.MaxToolRounds != 4 || cfg.Turn.ToolTimeout != 5*time.Second {
		t.Errorf("unexpected turn config %+v", cfg.Turn)
	}
	if cfg.Turn.LLMTimeout != 60*time.Second {
		t.Errorf("expected default llm timeout, got %v", cfg.Turn.LLMTimeout)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/threads.db" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Tools.Search.Enabled || !cfg.Tools.Calculator.Enabled {
		t.Errorf("unexpected tools config %+v", cfg.Tools)
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("missing default file should yield defaults: %v", err)
	}
	if cfg.Store.Backend != "bolt" {
		t.Errorf("expected defaults, got %+v", cfg.Store)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for an explicit missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("ALPHA_VANTAGE_API_KEY", "av-test")
	t.Setenv("CHATGRAPH_DB", "/var/lib/chatgraph.db")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("CHATGRAPH_TRACING", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318")

	cfg, err := Load(writeConfig(t, "llm:\n  api_key: from-file\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.APIKey != "gsk-test" {
		t.Errorf("env should override file key, got %q", cfg.LLM.APIKey)
	}
	if cfg.Tools.Stock.APIKey != "av-test" || cfg.Store.Path != "/var/lib/chatgraph.db" {
		t.Errorf("unexpected overrides: %+v %+v", cfg.Tools.Stock, cfg.Store)
	}
	if strings.Join(cfg.Server.CORSOrigins, "|") != "http://a.test|http://b.test" {
		t.Errorf("unexpected cors origins %v", cfg.Server.CORSOrigins)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "http://localhost:4318" {
		t.Errorf("unexpected tracing %+v", cfg.Tracing)
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "llm: [", "parse config"},
		{"rounds", "turn:\n  max_tool_rounds: 500\n", "MaxToolRounds"},
		{"backend", "store:\n  backend: postgres\n", "Backend"},
		{"store path", "store:\n  backend: bolt\n  path: \"\"\n", "Path"},
		{"temperature", "llm:\n  temperature: 3\n", "Temperature"},
		{"base url", "llm:\n  base_url: not a url\n", "BaseURL"},
		{"log level", "logging:\n  level: loud\n", "Level"},
		{"tracing endpoint", "tracing:\n  enabled: true\n", "Endpoint"},
		{"langfuse pair", "tracing:\n  langfuse_public_key: pk\n", "LangfuseSecretKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestMemoryStoreNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Store = StoreConfig{Backend: "memory"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory backend should not need a path: %v", err)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Turn.ToolRetries = 1
	cfg.Turn.MaxParallelTools = 1
	cfg.Logging.PromptLog = "prompts.jsonl"

	if got := cfg.Timeouts(); got.Turn != cfg.Turn.Timeout || got.ToolExecution != cfg.Turn.ToolTimeout {
		t.Errorf("unexpected timeouts %+v", got)
	}
	if got := cfg.Retry(); got.MaxRetries != 1 || got.InitialDelay != cfg.Turn.RetryDelay || len(got.RetryableErrors) == 0 {
		t.Errorf("unexpected retry %+v", got)
	}
	if got := cfg.Parallel(); got.Enabled {
		t.Errorf("expected sequential dispatch, got %+v", got)
	}

	logCfg := cfg.LoggingConfig(false)
	if logCfg.Level != slog.LevelInfo || logCfg.PromptLogPath != "prompts.jsonl" || logCfg.LogToolCalls {
		t.Errorf("unexpected logging %+v", logCfg)
	}
	if verbose := cfg.LoggingConfig(true); verbose.Level != slog.LevelDebug || !verbose.LogToolCalls {
		t.Errorf("verbose should force debug, got %+v", verbose)
	}
}
