package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kudoslabs/kudos/pkg/retry"
)

// ErrVerificationFailed marks a facilitator verification rejection. It is a
// distinct failure state from settlement failure and must be reported as
// such.
var ErrVerificationFailed = errors.New("x402: payment verification failed")

// ErrSettlementFailed marks a facilitator settlement failure after a
// successful verification.
var ErrSettlementFailed = errors.New("x402: payment settlement failed")

// ErrNoChallenge is returned when the payment resource did not answer with
// a 402 challenge.
var ErrNoChallenge = errors.New("x402: resource did not return a payment challenge")

type ClientConfig struct {
	Logger         *slog.Logger
	FacilitatorURL string
	HTTPClient     *http.Client
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.FacilitatorURL == "" {
		return errors.New("facilitator url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// Client fetches 402 challenges and drives the facilitator verify/settle
// sequence.
type Client struct {
	log  *slog.Logger
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg, http: cfg.HTTPClient}, nil
}

// FetchRequirements issues an unauthenticated request to the payment
// resource and returns the challenge's accepted payment requirements. The
// fetch is an idempotent GET and transient failures are retried; verify and
// settle are never retried.
func (c *Client) FetchRequirements(ctx context.Context, resourceURL string) ([]PaymentRequirements, error) {
	var body PaymentRequiredResponse
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create challenge request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("challenge request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPaymentRequired {
			return fmt.Errorf("%w: status %d", ErrNoChallenge, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode payment requirements: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(body.Accepts) == 0 {
		return nil, errors.New("x402: challenge lists no accepted payment requirements")
	}

	c.log.Debug("x402: fetched payment requirements", "resource", resourceURL, "accepts", len(body.Accepts))
	return body.Accepts, nil
}

// Verify submits the signed payload for facilitator verification.
// A rejection is returned as ErrVerificationFailed with the facilitator's
// reason attached.
func (c *Client) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) error {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", VerifyRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &out); err != nil {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	if !out.IsValid {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, out.InvalidReason)
	}
	return nil
}

// Settle asks the facilitator to broadcast the verified payment. The
// facilitator, not the caller, submits the transaction to the chain.
func (c *Client) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", VerifyRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSettlementFailed, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %s", ErrSettlementFailed, out.ErrorReason)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.FacilitatorURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}
