// Package settle routes a TIP decision to a chain and drives one of the
// settlement protocols to completion. The three per-chain payment flows are
// unified behind the Protocol interface; the Router owns chain priority,
// eligibility checks and first-success semantics.
package settle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// ErrInsufficientFunds short-circuits a settlement before any chain call.
var ErrInsufficientFunds = errors.New("settle: insufficient funds")

// ErrNoEligibleChain is returned when the creator cannot be paid on any
// configured chain.
var ErrNoEligibleChain = errors.New("settle: creator has no eligible chain")

// ErrAllChainsFailed is returned when every eligible chain's settlement
// attempt failed. The TIP decision stands with zero settlements attached;
// callers must surface this as a run-level error.
var ErrAllChainsFailed = errors.New("settle: all eligible chains failed")

// Request is one settlement attempt on one chain. Token is the stable the
// router selected to fund the attempt; a chain with several configured
// stables settles in whichever one covers the amount.
type Request struct {
	Creator   tip.Creator
	Recipient string
	Amount    decimal.Decimal
	Token     tip.Token
}

// Result is the normalized outcome all protocols converge on. TxRef is the
// final on-chain hash when available, otherwise the facilitator-level
// receipt. RedistributionErr is set when a facilitator-routed payment
// settled but the follow-up hop to the creator failed; the settlement is
// still successful in that case.
type Result struct {
	Chain             tip.Chain
	TxRef             string
	Protocol          tip.Protocol
	Redistributed     *bool
	RedistributionErr error
}

// Protocol settles one tip on one chain.
type Protocol interface {
	Name() tip.Protocol
	Settle(ctx context.Context, req Request) (*Result, error)
}

// AttemptError records one failed chain attempt for operator visibility.
type AttemptError struct {
	Chain    tip.Chain
	Protocol tip.Protocol
	Err      error
}

func (e AttemptError) Error() string {
	return string(e.Chain) + ": " + e.Err.Error()
}
