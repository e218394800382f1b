package tip

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Token binds a token's on-chain identity to its declared decimal exponent.
// Exponents are configuration constants per (chain, token); they are never
// inferred from chain state.
type Token struct {
	Symbol   string
	Chain    Chain
	Address  string // mint (Solana) or contract address (EVM)
	Decimals int32
}

// ToRawUnits converts a human-denominated amount to the token's integer
// on-chain representation. Amounts with more precision than the token
// carries are rejected rather than truncated.
func (t Token) ToRawUnits(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(t.Decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s exceeds %s precision of %d decimals", amount, t.Symbol, t.Decimals)
	}
	if shifted.Sign() < 0 {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	return shifted.BigInt(), nil
}

// FromRawUnits converts an on-chain integer amount back to human units.
func (t Token) FromRawUnits(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, 0).Shift(-t.Decimals)
}

// FromRawString converts a raw integer amount carried as a decimal string,
// the form used by RPC responses and payment-requirements documents.
func (t Token) FromRawString(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid raw amount %q: %w", raw, err)
	}
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("raw amount %q is not an integer", raw)
	}
	return d.Shift(-t.Decimals), nil
}
