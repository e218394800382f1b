// Package wallettest provides a configurable in-memory wallet for tests.
package wallettest

import (
	"context"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// TransferCall records one Transfer or SignTransfer invocation.
type TransferCall struct {
	Token     tip.Token
	Recipient string
	Raw       *big.Int
}

// Fake implements wallet.Wallet with scripted responses.
type Fake struct {
	ChainVal   tip.Chain
	AddressVal string

	BalancesVal tip.ChainBalance
	BalancesErr error

	// TokenBalances is keyed by token symbol. A missing symbol reads as
	// zero balance.
	TokenBalances   map[string]decimal.Decimal
	TokenBalanceErr error

	TransferRef string
	TransferErr error

	SignedTx []byte
	SignErr  error

	// InvalidAddrs marks addresses ValidAddress rejects. Everything else
	// is accepted.
	InvalidAddrs map[string]bool

	mu            sync.Mutex
	transferCalls []TransferCall
	signCalls     []TransferCall
}

func (f *Fake) Chain() tip.Chain { return f.ChainVal }

func (f *Fake) Address() string { return f.AddressVal }

func (f *Fake) Balances(ctx context.Context) (tip.ChainBalance, error) {
	if f.BalancesErr != nil {
		return tip.ChainBalance{}, f.BalancesErr
	}
	b := f.BalancesVal
	if b.Address == "" {
		b.Address = f.AddressVal
	}
	return b, nil
}

func (f *Fake) TokenBalance(ctx context.Context, token tip.Token) (decimal.Decimal, error) {
	if f.TokenBalanceErr != nil {
		return decimal.Zero, f.TokenBalanceErr
	}
	return f.TokenBalances[token.Symbol], nil
}

func (f *Fake) Transfer(ctx context.Context, token tip.Token, recipient string, raw *big.Int) (string, error) {
	f.mu.Lock()
	f.transferCalls = append(f.transferCalls, TransferCall{Token: token, Recipient: recipient, Raw: raw})
	f.mu.Unlock()
	if f.TransferErr != nil {
		return "", f.TransferErr
	}
	return f.TransferRef, nil
}

func (f *Fake) SignTransfer(ctx context.Context, token tip.Token, recipient string, raw *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.signCalls = append(f.signCalls, TransferCall{Token: token, Recipient: recipient, Raw: raw})
	f.mu.Unlock()
	if f.SignErr != nil {
		return nil, f.SignErr
	}
	return f.SignedTx, nil
}

func (f *Fake) ValidAddress(addr string) bool {
	return !f.InvalidAddrs[addr]
}

// TransferCalls returns every Transfer made so far.
func (f *Fake) TransferCalls() []TransferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransferCall, len(f.transferCalls))
	copy(out, f.transferCalls)
	return out
}

// SignCalls returns every SignTransfer made so far.
func (f *Fake) SignCalls() []TransferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransferCall, len(f.signCalls))
	copy(out, f.signCalls)
	return out
}
