// Package llm provides the chat completion client used by the research
// pipeline. It speaks the OpenAI-compatible /chat/completions protocol,
// so any provider exposing that surface works via OPENAI_BASE_URL.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

const (
	maxAttempts = 3
	backoffBase = 1 * time.Second
	backoffCap  = 8 * time.Second
)

// Per-attempt timeouts. Deeper modes run larger completions, so they get
// more room before the attempt is abandoned.
const (
	timeoutQuick    = 30 * time.Second
	timeoutStandard = 45 * time.Second
	timeoutDeep     = 60 * time.Second
)

// Config carries the provider settings from the environment.
type Config struct {
	APIKey       string
	BaseURL      string // e.g. https://api.openai.com/v1
	ModelEconomy string // quick and standard mode completions
	ModelDeep    string // deep mode completions
}

// Client calls an OpenAI-compatible chat completion endpoint with
// per-attempt timeouts and bounded exponential backoff.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	modelEconomy string
	modelDeep    string
	backoff      time.Duration // base delay, doubled per retry
	logger       *slog.Logger
}

// NewClient creates a chat completion client. The API key may be empty;
// every call will then fail with ErrNotConfigured.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient:   &http.Client{},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		modelEconomy: cfg.ModelEconomy,
		modelDeep:    cfg.ModelDeep,
		backoff:      backoffBase,
		logger:       slog.With("component", "llm"),
	}
}

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("llm: OPENAI_API_KEY is not set")

// ChatRequest is a single system+user completion call.
type ChatRequest struct {
	Mode        models.Mode // selects model and attempt timeout
	System      string
	User        string
	MaxTokens   int     // 0 means provider default
	Temperature float64 // 0 means provider default
	JSONMode    bool    // constrain the response to a single JSON object
}

// ChatResponse is the assistant text plus token accounting.
type ChatResponse struct {
	Content string
	Tokens  models.TokenUsage
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.StatusCode, e.Message)
}

// ModelForMode maps a research mode to the configured model: the economy
// model for quick and standard, the premium model for deep.
func (c *Client) ModelForMode(mode models.Mode) string {
	if mode == models.ModeDeep {
		return c.modelDeep
	}
	return c.modelEconomy
}

func attemptTimeout(mode models.Mode) time.Duration {
	switch mode {
	case models.ModeQuick:
		return timeoutQuick
	case models.ModeDeep:
		return timeoutDeep
	default:
		return timeoutStandard
	}
}

// Wire types for the chat completion protocol.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat performs one completion with up to three attempts. Transport
// errors, attempt timeouts, 408, 429 and 5xx responses are retried with
// exponential backoff; 400, 401 and 403 fail immediately. Cancellation
// of ctx always stops the loop.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	model := c.ModelForMode(req.Mode)
	payload := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	timeout := attemptTimeout(req.Mode)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoffDelay(attempt - 1)):
			}
		}

		resp, err := c.doAttempt(ctx, timeout, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// The caller going away ends the loop regardless of error class.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
		c.logger.Warn("Chat completion attempt failed",
			"model", model,
			"attempt", attempt,
			"error", err)
	}

	return nil, fmt.Errorf("llm: request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) doAttempt(ctx context.Context, timeout time.Duration, body []byte) (*ChatResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			Message:    readProviderError(httpResp.Body),
		}
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("llm: response contained no choices")
	}

	return &ChatResponse{
		Content: decoded.Choices[0].Message.Content,
		Tokens: models.TokenUsage{
			Input:  decoded.Usage.PromptTokens,
			Output: decoded.Usage.CompletionTokens,
			Total:  decoded.Usage.TotalTokens,
		},
	}, nil
}

// readProviderError extracts the provider's error message, falling back
// to the raw body when it is not the usual {"error":{"message"}} shape.
func readProviderError(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}
	var decoded providerError
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	return string(raw)
}

// backoffDelay returns the wait before the next attempt after n failures:
// base doubled per failure, capped.
func (c *Client) backoffDelay(n int) time.Duration {
	delay := c.backoff << (n - 1)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrNotConfigured) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return true
		default:
			// Remaining 4xx won't improve on retry.
			return false
		}
	}
	// Transport failures and attempt timeouts are worth retrying.
	return true
}
