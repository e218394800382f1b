package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
)

type DirectTransferConfig struct {
	Logger *slog.Logger
	Wallet wallet.Wallet
}

func (cfg *DirectTransferConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet is required")
	}
	return nil
}

// DirectTransfer settles a tip by transferring the request's token straight
// from the agent wallet to the creator: balance check, build, sign, submit,
// wait for confirmation. Insufficient balance is fatal for the attempt;
// there are no partial sends.
type DirectTransfer struct {
	log    *slog.Logger
	wallet wallet.Wallet
}

func NewDirectTransfer(cfg DirectTransferConfig) (*DirectTransfer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DirectTransfer{log: cfg.Logger, wallet: cfg.Wallet}, nil
}

func (p *DirectTransfer) Name() tip.Protocol { return tip.ProtocolDirectTransfer }

func (p *DirectTransfer) Settle(ctx context.Context, req Request) (*Result, error) {
	if !p.wallet.ValidAddress(req.Recipient) {
		return nil, fmt.Errorf("invalid %s recipient address %q", p.wallet.Chain(), req.Recipient)
	}

	balance, err := p.wallet.TokenBalance(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s balance: %w", req.Token.Symbol, err)
	}
	if balance.LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientFunds, balance, req.Token.Symbol, req.Amount)
	}

	raw, err := req.Token.ToRawUnits(req.Amount)
	if err != nil {
		return nil, err
	}

	txRef, err := p.wallet.Transfer(ctx, req.Token, req.Recipient, raw)
	if err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	p.log.Info("settle: direct transfer confirmed", "chain", p.wallet.Chain(), "token", req.Token.Symbol, "txRef", txRef, "amount", req.Amount, "recipient", req.Recipient)
	return &Result{
		Chain:    p.wallet.Chain(),
		TxRef:    txRef,
		Protocol: tip.ProtocolDirectTransfer,
	}, nil
}
