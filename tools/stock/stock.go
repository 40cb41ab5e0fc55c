// Package stock provides a stock quote tool over the Alpha Vantage GLOBAL_QUOTE endpoint.
package stock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/darkostanimirovic/chatgraph"
)

// Name is the tool name exposed to the model.
const Name = "get_stock_price"

const (
	DefaultBaseURL = "https://www.alphavantage.co/query"
	maxBodyBytes   = 1 << 20
)

// ErrMissingAPIKey is returned when no Alpha Vantage key is configured.
var ErrMissingAPIKey = errors.New("chatgraph: ALPHA_VANTAGE_API_KEY is not set")

// Config configures the quote tool.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches quotes.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client, filling defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// New returns the quote tool.
func New(cfg Config) chatgraph.Tool {
	client := NewClient(cfg)
	return chatgraph.NewTool(Name).
		WithDescription("Fetch the latest stock price for a ticker symbol (e.g. 'AAPL', 'TSLA') using Alpha Vantage.").
		WithParameter("symbol", chatgraph.String().Required().WithDescription("Ticker symbol")).
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			symbol, ok := args["symbol"].(string)
			if !ok || strings.TrimSpace(symbol) == "" {
				return nil, chatgraph.InvalidArguments(Name, "symbol must be a non-empty string")
			}
			quote, err := client.Quote(ctx, symbol)
			if err != nil {
				return nil, err
			}
			return quote, nil
		}).
		WithPendingFormatter(func(_ string, args map[string]any) string {
			if s, ok := args["symbol"].(string); ok && s != "" {
				return fmt.Sprintf("Looking up %s...", strings.ToUpper(s))
			}
			return "Looking up stock price..."
		}).
		MustBuild()
}

// Quote returns the GLOBAL_QUOTE object for symbol. Keys are passed through as Alpha Vantage
// sends them ("01. symbol", "05. price", ...).
func (c *Client) Quote(ctx context.Context, symbol string) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, chatgraph.Unavailable(Name, ErrMissingAPIKey)
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, chatgraph.Unavailable(Name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: %w", chatgraph.ErrTimeout, redactKey(err, c.apiKey)))
		}
		return nil, chatgraph.Unavailable(Name, redactKey(err, c.apiKey))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: status %d", chatgraph.ErrRateLimited, resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: status %d", chatgraph.ErrServerError, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("read quote: %w", err))
	}
	quote, err := parseQuote(body)
	if err != nil {
		c.logger.Debug("quote unavailable", "tool", Name, "symbol", symbol, "error", err)
		return nil, err
	}
	return quote, nil
}

// parseQuote maps provider-level notices to unavailable and returns the quote object.
func parseQuote(body []byte) (map[string]any, error) {
	if !gjson.ValidBytes(body) {
		return nil, chatgraph.Unavailable(Name, errors.New("quote response is not JSON"))
	}
	doc := gjson.ParseBytes(body)

	if msg := doc.Get("Error Message"); msg.Exists() {
		return nil, chatgraph.Unavailable(Name, errors.New(msg.String()))
	}
	if msg := doc.Get("Note"); msg.Exists() {
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: %s", chatgraph.ErrRateLimited, msg.String()))
	}
	if msg := doc.Get("Information"); msg.Exists() {
		return nil, chatgraph.Unavailable(Name, errors.New(msg.String()))
	}

	quote := doc.Get("Global Quote")
	if !quote.IsObject() || len(quote.Map()) == 0 {
		return nil, chatgraph.Unavailable(Name, errors.New("no quote returned for symbol"))
	}
	out, ok := quote.Value().(map[string]any)
	if !ok {
		return nil, chatgraph.Unavailable(Name, errors.New("quote has unexpected shape"))
	}
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// redactedError hides the API key in its message and still unwraps to the cause.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redactKey keeps the API key out of URL errors.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), key, "REDACTED"), err: err}
}
