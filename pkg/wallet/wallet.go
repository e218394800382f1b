// Package wallet defines the narrow contract the agent uses to talk to its
// own chain wallets. Key custody and transaction mechanics live behind it;
// the orchestrator only sees balances, transfers and signed payloads.
package wallet

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// Wallet is one chain wallet owned by the agent.
type Wallet interface {
	Chain() tip.Chain
	Address() string

	// Balances fetches the wallet's native and stable-coin balances in
	// human units. Idempotent read.
	Balances(ctx context.Context) (tip.ChainBalance, error)

	// TokenBalance fetches the live balance of a single token, used for the
	// pre-settlement re-check.
	TokenBalance(ctx context.Context, token tip.Token) (decimal.Decimal, error)

	// Transfer sends raw token units to recipient, waits for confirmation
	// and returns the on-chain transaction reference.
	Transfer(ctx context.Context, token tip.Token, recipient string, raw *big.Int) (string, error)

	// SignTransfer builds and signs a token transfer without broadcasting
	// it, returning the serialized transaction for facilitator submission.
	SignTransfer(ctx context.Context, token tip.Token, recipient string, raw *big.Int) ([]byte, error)

	// ValidAddress reports whether addr is well-formed for this chain.
	ValidAddress(addr string) bool
}
