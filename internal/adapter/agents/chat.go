// Package agents implements the research agent ports over HTTP: an
// OpenAI-compatible chat client for the LLM-backed agents, a
// submit/poll task client for the long-running literature and analysis
// backends, and a local knowledge-base retriever.
package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// ChatClient calls an OpenAI-compatible chat completions endpoint and
// returns the raw message content. All LLM-backed agents share one
// instance.
type ChatClient struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
	timeout time.Duration
}

// NewChatClient builds a ChatClient from configuration.
func NewChatClient(cfg config.Config) *ChatClient {
	return &ChatClient{
		baseURL: cfg.LLMBaseURL,
		apiKey:  cfg.LLMAPIKey,
		model:   cfg.LLMModel,
		httpc:   &http.Client{Timeout: 90 * time.Second},
		timeout: cfg.LLMTimeout,
	}
}

func (c *ChatClient) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = c.timeout
	return expo
}

func readSnippet(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}

// ChatJSON sends a system/user prompt pair and returns the assistant
// message content. Transport failures and 429/5xx responses are
// retried with exponential backoff; 4xx responses fail immediately.
func (c *ChatClient) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("op=agents.chat: %w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"model":       c.model,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		// Recreate the request each attempt; the body reader is consumed.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: llm status=429", domain.ErrRateLimited)
		case resp.StatusCode >= 500:
			return fmt.Errorf("llm status=%d: %s", resp.StatusCode, readSnippet(resp.Body, 512))
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: llm status=%d: %s", domain.ErrAgentFailure, resp.StatusCode, readSnippet(resp.Body, 512)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode llm response: %w", err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backoffConfig(), ctx)); err != nil {
		slog.Error("llm call failed", slog.String("model", c.model), slog.Any("error", err))
		return "", fmt.Errorf("op=agents.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=agents.chat: %w: empty choices", domain.ErrAgentFailure)
	}
	return out.Choices[0].Message.Content, nil
}
