// Package search provides a web search tool that scrapes the DuckDuckGo HTML endpoint.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/darkostanimirovic/chatgraph"
)

// Name is the tool name exposed to the model.
const Name = "search"

const (
	DefaultBaseURL    = "https://html.duckduckgo.com/html/"
	DefaultRegion     = "us-en"
	DefaultMaxResults = 5
	defaultUserAgent  = "Mozilla/5.0 (compatible; chatgraph/1.0)"
	defaultInterval   = time.Second
)

// Config configures the search tool.
type Config struct {
	BaseURL    string
	Region     string
	MaxResults int
	UserAgent  string
	HTTPClient *http.Client
	// MinInterval spaces consecutive requests. Zero uses one second, negative disables pacing.
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Result is one ranked search hit.
type Result struct {
	Rank    int    `json:"rank"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Response is the structured tool output.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Client queries DuckDuckGo.
type Client struct {
	baseURL    string
	region     string
	maxResults int
	userAgent  string
	http       *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client, filling defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	switch {
	case cfg.MinInterval == 0:
		limiter = rate.NewLimiter(rate.Every(defaultInterval), 1)
	case cfg.MinInterval > 0:
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		region:     cfg.Region,
		maxResults: cfg.MaxResults,
		userAgent:  cfg.UserAgent,
		http:       cfg.HTTPClient,
		limiter:    limiter,
		logger:     cfg.Logger,
	}
}

// New returns the search tool.
func New(cfg Config) chatgraph.Tool {
	client := NewClient(cfg)
	return chatgraph.NewTool(Name).
		WithDescription("Search the web with DuckDuckGo. Returns ranked result titles, links and snippets. Use it for current events and facts you are unsure about.").
		WithParameter("query", chatgraph.String().Required().WithDescription("Search query")).
		WithHandler(func(ctx context.Context, args map[string]any) (any, error) {
			query, ok := args["query"].(string)
			if !ok || strings.TrimSpace(query) == "" {
				return nil, chatgraph.InvalidArguments(Name, "query must be a non-empty string")
			}
			resp, err := client.Search(ctx, query)
			if err != nil {
				return nil, err
			}
			return resp, nil
		}).
		WithPendingFormatter(func(_ string, args map[string]any) string {
			if q, ok := args["query"].(string); ok && q != "" {
				return fmt.Sprintf("Searching the web for %q...", q)
			}
			return "Searching the web..."
		}).
		WithResultFormatter(func(_ string, result any) string {
			if resp, ok := result.(*Response); ok {
				return fmt.Sprintf("✓ Found %d results", len(resp.Results))
			}
			return "✓ Search completed"
		}).
		MustBuild()
}

// Search runs one query. Failures come back as *chatgraph.ToolError with kind unavailable;
// rate limiting, timeouts and 5xx wrap the retryable sentinels.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: %w", chatgraph.ErrTimeout, err))
	}

	form := url.Values{}
	form.Set("q", query)
	form.Set("kl", c.region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, chatgraph.Unavailable(Name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: %w", chatgraph.ErrTimeout, err))
		}
		return nil, chatgraph.Unavailable(Name, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, chatgraph.Unavailable(Name, err)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("parse results: %w", err))
	}
	if doc.Find(".anomaly-modal__modal, #challenge-form").Length() > 0 {
		return nil, chatgraph.Unavailable(Name, fmt.Errorf("%w: search challenge page returned", chatgraph.ErrRateLimited))
	}

	results := c.parseResults(doc)
	c.logger.Debug("search completed", "tool", Name, "results", len(results))
	return &Response{Query: query, Results: results}, nil
}

func (c *Client) parseResults(doc *goquery.Document) []Result {
	results := []Result{}
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}
		link := s.Find(".result__a").First()
		title := collapse(link.Text())
		href, _ := link.Attr("href")
		if title == "" || href == "" {
			return true
		}
		results = append(results, Result{
			Rank:    len(results) + 1,
			Title:   title,
			URL:     resolveLink(href),
			Snippet: collapse(s.Find(".result__snippet").First().Text()),
		})
		return len(results) < c.maxResults
	})
	return results
}

// resolveLink unwraps DuckDuckGo redirect links to the target URL.
func resolveLink(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func statusError(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusAccepted:
		return fmt.Errorf("%w: status %d", chatgraph.ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", chatgraph.ErrServerError, code)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
