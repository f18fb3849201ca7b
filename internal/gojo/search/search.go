// Package search wraps the Google Custom Search JSON API for the web
// search command.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Reaper7531/gojo/common/redact"
	"github.com/Reaper7531/gojo/common/retry"
)

const defaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// ErrNotConfigured is returned when the search credentials are absent. The
// command layer turns it into a friendly "search is disabled" reply.
var ErrNotConfigured = errors.New("search: api key or engine id not configured")

// errServerSide marks 5xx responses so the retry predicate can tell them
// apart from non-retryable client errors.
var errServerSide = errors.New("search: server error")

// Config holds the Custom Search credentials.
type Config struct {
	APIKey   string
	EngineID string
	BaseURL  string
	Timeout  time.Duration
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Client queries the Custom Search API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a search client. Missing credentials are allowed; Search will
// return ErrNotConfigured.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Search runs one query and returns up to limit results. Transient server
// errors are retried; client errors are not.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if c.cfg.APIKey == "" || c.cfg.EngineID == "" {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 3
	}

	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("cx", c.cfg.EngineID)
	params.Set("q", query)
	params.Set("num", fmt.Sprintf("%d", limit))

	var results []Result
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, errServerSide)
		},
	}, func() error {
		var err error
		results, err = c.query(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) query(ctx context.Context, params url.Values) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport errors quote the full URL, API key included.
		return nil, fmt.Errorf("search: request failed: %s: %w",
			redact.String(err.Error(), c.cfg.APIKey), errServerSide)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("search: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("search: status %d: %w", resp.StatusCode, errServerSide)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var parsed struct {
		Items []Result `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	c.logger.Debug("search: query complete", "hits", len(parsed.Items))
	return parsed.Items, nil
}

// truncateBody keeps error messages readable when the API returns a large
// error document.
func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
