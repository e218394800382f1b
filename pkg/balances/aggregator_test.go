package balances

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	kudostesting "github.com/kudoslabs/kudos/pkg/testing"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
	"github.com/kudoslabs/kudos/pkg/wallet/wallettest"
)

func TestKudos_Balances_Snapshot(t *testing.T) {
	t.Parallel()

	t.Run("collects every chain", func(t *testing.T) {
		t.Parallel()

		solana := &wallettest.Fake{
			ChainVal:   tip.ChainSolana,
			AddressVal: "sol-addr",
			BalancesVal: tip.ChainBalance{
				Native:  decimal.RequireFromString("0.5"),
				Stables: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("12.30")},
			},
		}
		base := &wallettest.Fake{
			ChainVal:   tip.ChainBase,
			AddressVal: "0xbase",
			BalancesVal: tip.ChainBalance{
				Native:  decimal.RequireFromString("0.01"),
				Stables: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("3.00")},
			},
		}

		agg, err := New(Config{Logger: kudostesting.NewLogger(), Wallets: []wallet.Wallet{solana, base}})
		require.NoError(t, err)

		snapshot := agg.Snapshot(t.Context())
		require.Len(t, snapshot.Chains, 2)
		require.Empty(t, snapshot.Errors)
		require.False(t, snapshot.FetchedAt.IsZero())

		require.Equal(t, "sol-addr", snapshot.Chains[tip.ChainSolana].Address)
		require.True(t, snapshot.Chains[tip.ChainSolana].Stables["USDC"].Equal(decimal.RequireFromString("12.30")))
	})

	t.Run("a failing chain is disabled, not fatal", func(t *testing.T) {
		t.Parallel()

		healthy := &wallettest.Fake{
			ChainVal:   tip.ChainSolana,
			AddressVal: "sol-addr",
			BalancesVal: tip.ChainBalance{
				Stables: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("5.00")},
			},
		}
		broken := &wallettest.Fake{
			ChainVal:    tip.ChainCelo,
			AddressVal:  "0xcelo",
			BalancesErr: errors.New("rpc timeout"),
		}

		agg, err := New(Config{Logger: kudostesting.NewLogger(), Wallets: []wallet.Wallet{healthy, broken}})
		require.NoError(t, err)

		snapshot := agg.Snapshot(t.Context())
		require.Len(t, snapshot.Chains, 2)
		require.False(t, snapshot.Chains[tip.ChainSolana].Disabled)
		require.True(t, snapshot.Chains[tip.ChainCelo].Disabled)

		require.Len(t, snapshot.Errors, 1)
		require.Equal(t, tip.ChainCelo, snapshot.Errors[0].Chain)
		require.Contains(t, snapshot.Errors[0].Err, "rpc timeout")

		require.True(t, snapshot.Usable(decimal.RequireFromString("0.10")))
	})

	t.Run("all chains failing leaves an unusable snapshot", func(t *testing.T) {
		t.Parallel()

		broken := &wallettest.Fake{ChainVal: tip.ChainBase, BalancesErr: errors.New("down")}
		agg, err := New(Config{Logger: kudostesting.NewLogger(), Wallets: []wallet.Wallet{broken}})
		require.NoError(t, err)

		snapshot := agg.Snapshot(t.Context())
		require.False(t, snapshot.Usable(decimal.RequireFromString("0.10")))
	})
}
