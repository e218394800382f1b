package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
)

// ChainRoute binds one chain, in priority position, to its settlement
// protocol and the wallet used for the pre-attempt balance re-check.
// Tokens lists the stables the route may draw from, in preference order;
// a tip settles in the first one whose balance covers it.
type ChainRoute struct {
	Chain    tip.Chain
	Tokens   []tip.Token
	Wallet   wallet.Wallet
	Protocol Protocol
}

type RouterConfig struct {
	Logger *slog.Logger
	// Routes in chain priority order; deployment configuration, not
	// creator-dependent.
	Routes []ChainRoute
}

func (cfg *RouterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Routes) == 0 {
		return errors.New("at least one chain route is required")
	}
	for _, r := range cfg.Routes {
		if len(r.Tokens) == 0 {
			return fmt.Errorf("at least one token for %s is required", r.Chain)
		}
		if r.Wallet == nil {
			return fmt.Errorf("wallet for %s is required", r.Chain)
		}
		if r.Protocol == nil {
			return fmt.Errorf("protocol for %s is required", r.Chain)
		}
	}
	return nil
}

// Router walks chains in priority order and stops after the first
// successful settlement: one chain per tip even when the creator is
// eligible on several.
type Router struct {
	log    *slog.Logger
	routes []ChainRoute
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{log: cfg.Logger, routes: cfg.Routes}, nil
}

// Route attempts to settle one tip. Per chain, in priority order: skip
// chains where the creator has no address, pick the first configured stable
// whose snapshot balance covers the tip (skipping the chain when none does),
// then re-check the live balance and attempt settlement. A failed attempt is
// recorded and the next chain is tried; the whole tip fails only when every
// eligible chain fails.
func (r *Router) Route(ctx context.Context, creator tip.Creator, snapshot *tip.WalletSnapshot, amount decimal.Decimal) (*Result, []AttemptError, error) {
	var attemptErrs []AttemptError
	eligible := 0

	for _, route := range r.routes {
		addr := creator.AddressFor(route.Chain)
		if addr == nil {
			r.log.Debug("settle: creator has no address on chain", "creator", creator.Slug, "chain", route.Chain)
			continue
		}

		bal, ok := snapshot.Chains[route.Chain]
		if !ok || bal.Disabled {
			r.log.Debug("settle: chain disabled for this run", "chain", route.Chain)
			continue
		}
		token, funded := fundedToken(route.Tokens, bal, amount)
		if !funded {
			r.log.Debug("settle: no stable on chain covers the tip", "chain", route.Chain, "amount", amount)
			continue
		}
		eligible++

		// The snapshot is taken once per run; re-check the live balance so a
		// mid-run spend on this chain cannot push us past it.
		live, err := route.Wallet.TokenBalance(ctx, token)
		if err != nil {
			r.log.Warn("settle: live balance re-check failed, using snapshot", "chain", route.Chain, "token", token.Symbol, "error", err)
		} else if live.LessThan(amount) {
			attemptErrs = append(attemptErrs, AttemptError{Chain: route.Chain, Protocol: route.Protocol.Name(), Err: fmt.Errorf("%w: live %s balance %s below tip %s", ErrInsufficientFunds, token.Symbol, live, amount)})
			continue
		}

		result, err := route.Protocol.Settle(ctx, Request{
			Creator:   creator,
			Recipient: *addr,
			Amount:    amount,
			Token:     token,
		})
		if err != nil {
			r.log.Warn("settle: chain attempt failed, trying next", "creator", creator.Slug, "chain", route.Chain, "protocol", route.Protocol.Name(), "error", err)
			attemptErrs = append(attemptErrs, AttemptError{Chain: route.Chain, Protocol: route.Protocol.Name(), Err: err})
			continue
		}

		r.log.Info("settle: tip settled", "creator", creator.Slug, "chain", result.Chain, "protocol", result.Protocol, "txRef", result.TxRef)
		return result, attemptErrs, nil
	}

	if eligible == 0 {
		return nil, attemptErrs, ErrNoEligibleChain
	}
	return nil, attemptErrs, ErrAllChainsFailed
}

// fundedToken returns the first token whose snapshot balance covers amount.
func fundedToken(tokens []tip.Token, bal tip.ChainBalance, amount decimal.Decimal) (tip.Token, bool) {
	for _, tok := range tokens {
		if bal.Stables[tok.Symbol].GreaterThanOrEqual(amount) {
			return tok, true
		}
	}
	return tip.Token{}, false
}
