// Package genai wraps the Google Gemini generateContent API for the chat
// pipeline. The client owns two pieces of behaviour the orchestrator relies
// on:
//
//   - Sticky model fallback: a quota error permanently (for the process
//     lifetime) switches every subsequent call to the fallback model. The
//     selection is an explicit two-state machine, shared across callers.
//   - Bounded retry: quota errors are retried after a fixed delay, up to a
//     configured count. Generation failure is always returned as a value —
//     no error ever crosses the package boundary to the caller.
//
// The client also appends the memory instruction to the system prompt and
// converts the trailing [REMEMBER]/[FORGET] sentinel into the
// ShouldRemember flag on the result.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Reaper7531/gojo/internal/gojo/policy"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 30 * time.Second

	// DefaultMaxRetries is how many additional attempts follow a quota
	// error before the call degrades to a failed result.
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the fixed wait between quota-error retries.
	DefaultRetryDelay = 5 * time.Second
)

// ErrQuotaExceeded is returned internally when the provider reports a
// rate/quota condition (HTTP 429). Callers of Generate never see it; they
// see Result.QuotaExhausted instead.
var ErrQuotaExceeded = errors.New("genai: provider quota exceeded")

// memoryInstruction is appended verbatim to every system instruction so the
// model tags each reply with its own memory-worthiness verdict.
const memoryInstruction = "\n\nINSTRUCTION FOR MEMORY: At the very end of your response, after a new line, write ONLY [REMEMBER] or [FORGET]. " +
	"[REMEMBER] means the user's message was important. " +
	"[FORGET] means it was a mundane, normal message. This tag must be the absolute last thing you write."

// Message is one prior turn handed to the provider as context.
type Message struct {
	Role string // "user" or "model"
	Text string
}

// Result is the outcome of one Generate call. OK is false when every
// attempt failed; Text is empty in that case.
type Result struct {
	Text           string
	OK             bool
	ShouldRemember bool // the model tagged the exchange [REMEMBER]
	QuotaExhausted bool // the final failure was a quota error
}

// Config configures the client.
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// Model is the primary model identifier.
	Model string

	// FallbackModel is switched to, permanently, after the first quota
	// error.
	FallbackModel string

	// BaseURL overrides the API endpoint (tests, proxies). Defaults to the
	// public Gemini endpoint.
	BaseURL string

	// MaxRetries is the number of retries after a quota error.
	// Defaults to DefaultMaxRetries when <= 0.
	MaxRetries int

	// RetryDelay is the fixed wait before each quota retry.
	// Defaults to DefaultRetryDelay when <= 0.
	RetryDelay time.Duration

	// Timeout is the per-request HTTP timeout. Defaults to 30 s.
	Timeout time.Duration
}

// modelState is the provider-selection state machine: primary until the
// first quota error, fallback forever after.
type modelState int

const (
	modelPrimary modelState = iota
	modelFallback
)

// Client calls the Gemini API. Safe for concurrent use; the active model
// selection is shared state by design — one caller's quota error degrades
// the whole process.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	state modelState

	// sleep is injectable for tests; defaults to a ctx-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a configured Client. If logger is nil the default slog logger
// is used.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepCtx,
	}
}

// ActiveModel returns the model identifier the next call will use.
func (c *Client) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == modelFallback {
		return c.cfg.FallbackModel
	}
	return c.cfg.Model
}

// switchToFallback transitions the selection state machine. Idempotent.
func (c *Client) switchToFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != modelFallback {
		c.state = modelFallback
		c.logger.Warn("genai: quota exceeded, switching to fallback model for the rest of the process",
			"fallback_model", c.cfg.FallbackModel)
	}
}

// Generate produces a reply for userText given the prior turns and the
// persona system instruction. It never returns an error: all failures
// degrade to Result{OK: false}.
func (c *Client) Generate(ctx context.Context, userText string, history []Message, systemInstruction string) Result {
	fullInstruction := systemInstruction + memoryInstruction

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		raw, err := c.call(ctx, userText, history, fullInstruction)
		if err == nil {
			text, remember := policy.SanitizeMemoryTag(raw)
			return Result{Text: text, OK: true, ShouldRemember: remember}
		}
		lastErr = err

		if errors.Is(err, ErrQuotaExceeded) && attempt < c.cfg.MaxRetries {
			c.switchToFallback()
			c.logger.Warn("genai: quota exceeded, retrying",
				"attempt", attempt+1, "max_retries", c.cfg.MaxRetries, "delay", c.cfg.RetryDelay)
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
			continue
		}
		break
	}

	c.logger.Error("genai: generation failed", "err", lastErr, "model", c.ActiveModel())
	return Result{OK: false, QuotaExhausted: errors.Is(lastErr, ErrQuotaExceeded)}
}

// --- Gemini wire types (minimal subset) ---

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// blockedResponseText is what a safety-blocked generation surfaces as, so
// the downstream fallback filter recognises and replaces it. Matches the
// phrasing the provider SDK exposes.
const blockedResponseText = "Response was blocked due to SAFETY"

// call performs one generateContent request against the active model.
func (c *Client) call(ctx context.Context, userText string, history []Message, systemInstruction string) (string, error) {
	contents := make([]geminiContent, 0, len(history)+1)
	for _, m := range history {
		contents = append(contents, geminiContent{
			Role:  m.Role,
			Parts: []geminiPart{{Text: m.Text}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: userText}},
	})

	body := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemInstruction}}},
		Contents:          contents,
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: 250,
			Temperature:     0.9,
			TopP:            0.8,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("genai: marshal request: %w", err)
	}

	model := c.ActiveModel()
	url := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.BaseURL, model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("genai: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("genai: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("genai: read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w (model %s)", ErrQuotaExceeded, model)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("genai: decode API response: %w", err)
	}

	if parsed.Error != nil {
		if parsed.Error.Status == "RESOURCE_EXHAUSTED" {
			return "", fmt.Errorf("%w (model %s): %s", ErrQuotaExceeded, model, parsed.Error.Message)
		}
		return "", fmt.Errorf("genai: API error (%s): %s", parsed.Error.Status, parsed.Error.Message)
	}

	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return blockedResponseText, nil
	}
	if len(parsed.Candidates) == 0 {
		return "", fmt.Errorf("genai: no candidates returned (HTTP %d)", resp.StatusCode)
	}

	candidate := parsed.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return blockedResponseText, nil
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
