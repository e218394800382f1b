// Package score looks up an external reputation/influence metric for a
// creator. The score is one optional signal; callers treat lookup failures
// as an absent score, never as a run failure.
package score

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Provider is the narrow contract the decision engine depends on.
type Provider interface {
	Score(ctx context.Context, slug string) (*float64, error)
}

type Config struct {
	Logger  *slog.Logger
	BaseURL string
	// MinInterval throttles requests to respect the provider's rate limit.
	MinInterval time.Duration
	HTTPClient  *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// Client is a rate-limited HTTP client for the score provider.
type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
	}, nil
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

func (c *Client) Score(ctx context.Context, slug string) (*float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/scores/%s", c.cfg.BaseURL, url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("score provider returned status %d", resp.StatusCode)
	}

	var body scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}

	c.log.Debug("score: fetched", "slug", slug, "score", body.Score)
	return body.Score, nil
}
