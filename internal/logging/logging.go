// Package logging resolves the slog logger used across chatgraph and redacts secrets from log values.
package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Formats accepted by Config.Format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config configures logging behavior.
type Config struct {
	// Logger overrides the logger if provided.
	Logger *slog.Logger

	// Handler is used to build a logger if Logger is nil.
	Handler slog.Handler

	// Level is used when creating a default handler if Logger and Handler are nil.
	Level slog.Level

	// Format selects the default handler: text or json.
	Format string

	// Output receives default handler output. Defaults to stderr.
	Output io.Writer

	// LogResponses enables logging completion summaries.
	LogResponses bool

	// LogToolCalls enables logging tool arguments and results.
	LogToolCalls bool

	// RedactSensitive enables best-effort redaction of sensitive fields in logs.
	RedactSensitive bool

	// PromptLogPath, when set, appends every completion request as a JSON line to this file.
	PromptLogPath string
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:           slog.LevelInfo,
		Format:          FormatText,
		RedactSensitive: true,
	}
}

// Silent returns a config that discards all output.
func (c Config) Silent() *Config {
	c.Logger = nil
	c.Handler = slog.NewTextHandler(io.Discard, nil)
	return &c
}

// Verbose returns a config that logs debug output, responses and tool calls.
func (c Config) Verbose() *Config {
	c.Level = slog.LevelDebug
	c.LogResponses = true
	c.LogToolCalls = true
	return &c
}

// ResolveLogger builds the logger described by cfg.
func ResolveLogger(cfg Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	if cfg.Handler != nil {
		return slog.New(cfg.Handler)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if strings.EqualFold(cfg.Format, FormatJSON) {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: invalid level %q", s)
	}
	return level, nil
}

var sensitiveKeys = map[string]struct{}{
	"api_key":               {},
	"apikey":                {},
	"authorization":         {},
	"token":                 {},
	"password":              {},
	"secret":                {},
	"access_token":          {},
	"refresh_token":         {},
	"client_secret":         {},
	"private_key":           {},
	"session_token":         {},
	"bearer":                {},
	"x-api-key":             {},
	"groq_api_key":          {},
	"alpha_vantage_api_key": {},
}

// Redact returns value with sensitive keys masked. Values that don't encode as JSON are returned as-is.
func Redact(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return value
	}

	return redactAny(decoded)
}

func redactAny(value any) any {
	switch v := value.(type) {
	case map[string]any:
		redacted := make(map[string]any, len(v))
		for key, val := range v {
			if IsSensitiveKey(key) {
				redacted[key] = "[redacted]"
				continue
			}
			redacted[key] = redactAny(val)
		}
		return redacted
	case []any:
		redacted := make([]any, len(v))
		for i, item := range v {
			redacted[i] = redactAny(item)
		}
		return redacted
	default:
		return value
	}
}

// IsSensitiveKey reports whether a field name looks like a credential.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// AppendJSONLine appends payload as one JSON line to the file at path.
func AppendJSONLine(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	safePath, err := sanitizeLogPath(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(safePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create prompt log directory: %w", err)
		}
	}

	file, err := os.OpenFile(safePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path sanitized by sanitizeLogPath
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	_, err = file.Write(append(data, '\n'))
	return err
}

func sanitizeLogPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("prompt log path is empty")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve prompt log path: %w", err)
	}
	if absPath == string(filepath.Separator) {
		return "", errors.New("prompt log path is invalid")
	}
	return absPath, nil
}
