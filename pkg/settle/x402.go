package settle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
	"github.com/kudoslabs/kudos/pkg/x402"
)

type RequestForPaymentConfig struct {
	Logger *slog.Logger
	Wallet wallet.Wallet
	Client *x402.Client
	// ResourceURL builds the creator-specific payment resource URL.
	ResourceURL func(creator tip.Creator, chain tip.Chain) string
}

type RequestForPayment struct {
	log    *slog.Logger
	cfg    RequestForPaymentConfig
	wallet wallet.Wallet
	client *x402.Client
}

func NewRequestForPayment(cfg RequestForPaymentConfig) (*RequestForPayment, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("wallet is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("x402 client is required")
	}
	if cfg.ResourceURL == nil {
		return nil, errors.New("resource url builder is required")
	}
	return &RequestForPayment{
		log:    cfg.Logger,
		cfg:    cfg,
		wallet: cfg.Wallet,
		client: cfg.Client,
	}, nil
}

func (p *RequestForPayment) Name() tip.Protocol { return tip.ProtocolRequestForPayment }

// Settle drives the 402 challenge/response flow: fetch requirements, build
// and sign a transaction for the required raw amount, have the facilitator
// verify then settle it. When the facilitator routes funds through an
// intermediary wallet, a mandatory redistribution hop forwards them to the
// creator; redistribution failure does not fail the settlement.
func (p *RequestForPayment) Settle(ctx context.Context, req Request) (*Result, error) {
	chain := p.wallet.Chain()

	resourceURL := p.cfg.ResourceURL(req.Creator, chain)
	accepts, err := p.client.FetchRequirements(ctx, resourceURL)
	if err != nil {
		return nil, err
	}

	requirements, err := p.pickRequirements(accepts, chain)
	if err != nil {
		return nil, err
	}
	// The funding token is the router's choice; a challenge denominated in a
	// different asset cannot be paid from it.
	if requirements.Asset != "" && requirements.Asset != req.Token.Address {
		return nil, fmt.Errorf("challenge asset %s does not match the funding token %s (%s)", requirements.Asset, req.Token.Symbol, req.Token.Address)
	}

	// The challenge's raw amount is authoritative. A missing or inconsistent
	// amount is a hard error, never silently replaced with a default.
	requiredAmount, err := p.requiredAmount(*requirements, req)
	if err != nil {
		return nil, err
	}

	balance, err := p.wallet.TokenBalance(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s balance: %w", req.Token.Symbol, err)
	}
	if balance.LessThan(requiredAmount) {
		return nil, fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientFunds, balance, req.Token.Symbol, requiredAmount)
	}

	raw, err := req.Token.ToRawUnits(requiredAmount)
	if err != nil {
		return nil, err
	}

	signed, err := p.wallet.SignTransfer(ctx, req.Token, requirements.PayTo, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment: %w", err)
	}

	payload, err := buildPayload(*requirements, signed)
	if err != nil {
		return nil, err
	}

	if err := p.client.Verify(ctx, payload, *requirements); err != nil {
		return nil, err
	}
	settled, err := p.client.Settle(ctx, payload, *requirements)
	if err != nil {
		return nil, err
	}
	if settled.Transaction == "" {
		return nil, fmt.Errorf("%w: facilitator returned no transaction reference", x402.ErrSettlementFailed)
	}

	p.log.Info("settle: facilitator settled payment", "chain", chain, "txRef", settled.Transaction, "amount", requiredAmount)

	result := &Result{
		Chain:    chain,
		TxRef:    settled.Transaction,
		Protocol: tip.ProtocolRequestForPayment,
	}

	// Funds that landed on an intermediary wallet still owe the creator a
	// second hop. The settlement already succeeded; a failed hop is tracked
	// for later reconciliation, not conflated with settlement failure.
	if requirements.PayTo != req.Recipient {
		redistributed := false
		if fwdRef, fwdErr := p.wallet.Transfer(ctx, req.Token, req.Recipient, raw); fwdErr != nil {
			p.log.Error("settle: redistribution to creator failed", "chain", chain, "creator", req.Creator.Slug, "error", fwdErr)
			result.RedistributionErr = fmt.Errorf("redistribution failed: %w", fwdErr)
		} else {
			redistributed = true
			p.log.Info("settle: redistributed to creator", "chain", chain, "txRef", fwdRef, "recipient", req.Recipient)
		}
		result.Redistributed = &redistributed
	}

	return result, nil
}

func (p *RequestForPayment) pickRequirements(accepts []x402.PaymentRequirements, chain tip.Chain) (*x402.PaymentRequirements, error) {
	network := x402.NetworkName(chain)
	for i := range accepts {
		if accepts[i].Network == network && accepts[i].Scheme == x402.SchemeExact {
			return &accepts[i], nil
		}
	}
	return nil, fmt.Errorf("challenge accepts no exact-scheme payment on %s", network)
}

func (p *RequestForPayment) requiredAmount(requirements x402.PaymentRequirements, req Request) (decimal.Decimal, error) {
	if requirements.MaxAmountRequired == "" {
		return decimal.Zero, errors.New("challenge is missing the required amount")
	}
	required, err := req.Token.FromRawString(requirements.MaxAmountRequired)
	if err != nil {
		return decimal.Zero, fmt.Errorf("challenge carries an invalid amount: %w", err)
	}
	if !required.IsPositive() {
		return decimal.Zero, fmt.Errorf("challenge requires a non-positive amount %s", required)
	}
	// Headroom for facilitator fees only: anything past double the tip
	// amount is treated as an inconsistent challenge.
	if required.GreaterThan(req.Amount.Mul(decimal.NewFromInt(2))) {
		return decimal.Zero, fmt.Errorf("challenge requires %s, more than double the configured tip %s", required, req.Amount)
	}
	return required, nil
}

func buildPayload(requirements x402.PaymentRequirements, signed []byte) (x402.PaymentPayload, error) {
	exact, err := json.Marshal(x402.ExactPayload{
		Transaction: base64.StdEncoding.EncodeToString(signed),
	})
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload:     exact,
	}, nil
}
