// Package llm implements the language-model client: an OpenAI-compatible
// HTTP adapter with taxonomy-mapped failures, a Redis response cache, and a
// deterministic stub for development and tests.
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

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/config"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Client implements domain.LLMClient against an OpenAI-compatible chat
// completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
}

// New constructs a client with the configured timeout.
func New(cfg config.Config) *Client {
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.LLMBaseURL,
		apiKey:  cfg.LLMAPIKey,
		model:   cfg.LLMModel,
		hc:      &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// ChatJSON sends one chat completion request and returns the message content.
// Provider failures are mapped into the error taxonomy so the breaker and the
// queue retry layer can classify them.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("op=llm.chat: %w: LLM_API_KEY missing", domain.ErrAuthPermanent)
	}
	body := chatRequest{
		Model:       c.model,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("op=llm.chat: %w: %v", domain.ErrTimeout, err)
		}
		return "", fmt.Errorf("op=llm.chat: %w: %v", domain.ErrTransientIO, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: read body: %w: %v", domain.ErrTransientIO, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ra := config.ParseRetryAfter(resp.Header.Get("Retry-After"))
		if ra <= 0 {
			ra = time.Second
		}
		slog.Warn("llm provider rate limited",
			slog.Duration("retry_after", ra),
			slog.Duration("latency", time.Since(start)))
		return "", fmt.Errorf("op=llm.chat: %w", &breaker.RateLimitError{RetryAfter: ra})
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("op=llm.chat: %w: status %d", domain.ErrAuthPermanent, resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("op=llm.chat: %w: status %d", domain.ErrTransientIO, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("op=llm.chat: %w: status %d: %s", domain.ErrInternal, resp.StatusCode, truncate(raw, 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("op=llm.chat: decode: %w: %v", domain.ErrSchemaInvariant, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("op=llm.chat: %w: provider error: %s", domain.ErrInternal, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("op=llm.chat: %w: empty choices", domain.ErrSchemaInvariant)
	}
	slog.Debug("llm chat completed",
		slog.String("model", c.model),
		slog.Duration("latency", time.Since(start)))
	return parsed.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
