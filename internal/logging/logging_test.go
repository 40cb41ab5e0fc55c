package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != slog.LevelInfo {
		t.Errorf("expected Level to be Info, got %v", cfg.Level)
	}
	if !cfg.RedactSensitive {
		t.Error("expected RedactSensitive to be true")
	}
	if cfg.LogResponses || cfg.LogToolCalls {
		t.Error("expected response and tool call logging to be off")
	}
}

func TestSilentConfig(t *testing.T) {
	cfg := Config{}.Silent()

	if cfg.Handler == nil {
		t.Error("expected Handler to be set")
	}
}

func TestVerboseConfig(t *testing.T) {
	cfg := Config{}.Verbose()

	if cfg.Level != slog.LevelDebug {
		t.Errorf("expected Level to be Debug, got %v", cfg.Level)
	}
	if !cfg.LogToolCalls || !cfg.LogResponses {
		t.Error("expected verbose config to log responses and tool calls")
	}
}

func TestResolveLogger_WithProvidedLogger(t *testing.T) {
	var buf bytes.Buffer
	customLogger := slog.New(slog.NewTextHandler(&buf, nil))

	logger := ResolveLogger(Config{Logger: customLogger})
	if logger != customLogger {
		t.Error("expected ResolveLogger to return the provided logger")
	}
}

func TestResolveLogger_WithHandler(t *testing.T) {
	var buf bytes.Buffer

	logger := ResolveLogger(Config{Handler: slog.NewTextHandler(&buf, nil)})
	logger.Info("test message")
	if buf.Len() == 0 {
		t.Error("expected message to be written to buffer")
	}
}

func TestResolveLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := ResolveLogger(Config{Format: FormatJSON, Output: &buf, Level: slog.LevelWarn})
	logger.Info("info message")
	logger.Warn("warn message", "thread_id", "t1")

	output := buf.String()
	if strings.Contains(output, "info message") {
		t.Error("expected info message to be filtered out")
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", output, err)
	}
	if line["thread_id"] != "t1" {
		t.Errorf("expected thread_id attribute, got %v", line)
	}
}

func TestResolveLogger_DefaultToStderr(t *testing.T) {
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	logger := ResolveLogger(Config{})
	logger.Info("test message to stderr")

	w.Close()
	os.Stderr = oldStderr

	output, _ := io.ReadAll(r)
	if !bytes.Contains(output, []byte("test message to stderr")) {
		t.Error("expected log message to be written to stderr")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"query":   "AAPL",
		"apikey":  "secret-value",
		"headers": map[string]any{"Authorization": "Bearer x"},
		"items":   []any{map[string]any{"token": "t"}},
	}

	got, ok := Redact(in).(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", Redact(in))
	}
	if got["query"] != "AAPL" {
		t.Errorf("expected query to survive, got %v", got["query"])
	}
	if got["apikey"] != "[redacted]" {
		t.Errorf("expected apikey to be redacted, got %v", got["apikey"])
	}
	if h := got["headers"].(map[string]any); h["Authorization"] != "[redacted]" {
		t.Errorf("expected nested Authorization to be redacted, got %v", h)
	}
	if item := got["items"].([]any)[0].(map[string]any); item["token"] != "[redacted]" {
		t.Errorf("expected token in slice to be redacted, got %v", item)
	}
}

func TestAppendJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "prompts.log")

	for i := 0; i < 2; i++ {
		if err := AppendJSONLine(path, map[string]int{"n": i}); err != nil {
			t.Fatalf("AppendJSONLine failed: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[1] != `{"n":1}` {
		t.Errorf("unexpected log contents %q", data)
	}
	if err := AppendJSONLine("  ", 1); err == nil {
		t.Error("expected error for empty path")
	}
}
