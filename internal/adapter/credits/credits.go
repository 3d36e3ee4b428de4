// Package credits bills completed research chains against the external
// credit service.
package credits

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// HTTPClient calls the credit service over HTTP. Complete fires once
// per chain when the final iteration finishes; Refund fires when the
// chain fails terminally.
type HTTPClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewHTTPClient builds the adapter from configuration.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.CreditsAPIURL,
		apiKey:  cfg.CreditsAPIKey,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) post(ctx domain.Context, path string, body any) error {
	b, _ := json.Marshal(body)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxElapsedTime = 2 * time.Minute
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
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
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("credits status=%d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("credits status=%d", resp.StatusCode))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

// Complete settles the chain's credit hold.
func (c *HTTPClient) Complete(ctx domain.Context, rootJobID string, iterations int) error {
	err := c.post(ctx, "/v1/research/complete", map[string]any{
		"root_job_id": rootJobID,
		"iterations":  iterations,
	})
	if err != nil {
		return fmt.Errorf("op=credits.complete: %w", err)
	}
	return nil
}

// Refund releases the chain's credit hold after a terminal failure.
func (c *HTTPClient) Refund(ctx domain.Context, rootJobID string) error {
	err := c.post(ctx, "/v1/research/refund", map[string]any{
		"root_job_id": rootJobID,
	})
	if err != nil {
		return fmt.Errorf("op=credits.refund: %w", err)
	}
	return nil
}

// Noop satisfies the credit port when no credit service is configured.
// It logs so billing gaps are visible in dev environments.
type Noop struct{}

// Complete logs and succeeds.
func (Noop) Complete(_ domain.Context, rootJobID string, iterations int) error {
	slog.Debug("credits disabled, skipping complete",
		slog.String("root_job_id", rootJobID), slog.Int("iterations", iterations))
	return nil
}

// Refund logs and succeeds.
func (Noop) Refund(_ domain.Context, rootJobID string) error {
	slog.Debug("credits disabled, skipping refund", slog.String("root_job_id", rootJobID))
	return nil
}

// New returns the HTTP adapter when CREDITS_API_URL is set, otherwise
// the no-op.
func New(cfg config.Config) domain.CreditService {
	if cfg.CreditsAPIURL == "" {
		return Noop{}
	}
	return NewHTTPClient(cfg)
}
