package settle

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	kudostesting "github.com/kudoslabs/kudos/pkg/testing"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet/wallettest"
)

// fakeProtocol settles on a fixed chain or fails with a scripted error.
type fakeProtocol struct {
	chain   tip.Chain
	err     error
	calls   int
	lastReq Request
}

func (p *fakeProtocol) Name() tip.Protocol { return tip.ProtocolDirectTransfer }

func (p *fakeProtocol) Settle(ctx context.Context, req Request) (*Result, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &Result{Chain: p.chain, TxRef: "tx-" + string(p.chain), Protocol: tip.ProtocolDirectTransfer}, nil
}

func routerStrPtr(s string) *string { return &s }

func multiChainCreator() tip.Creator {
	return tip.Creator{
		ID:            "creator-1",
		Slug:          "ada",
		SolanaAddress: routerStrPtr("sol-addr"),
		EVMAddress:    routerStrPtr("0xevm"),
		Verified:      true,
	}
}

func fundedSnapshot(chains ...tip.Chain) *tip.WalletSnapshot {
	s := &tip.WalletSnapshot{Chains: map[tip.Chain]tip.ChainBalance{}}
	for _, c := range chains {
		s.Chains[c] = tip.ChainBalance{Stables: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)}}
	}
	return s
}

func fundedWallet(chain tip.Chain) *wallettest.Fake {
	return &wallettest.Fake{
		ChainVal:      chain,
		TokenBalances: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)},
	}
}

func usdcOn(chain tip.Chain) tip.Token {
	return tip.Token{Symbol: "USDC", Chain: chain, Decimals: 6}
}

func cusdOn(chain tip.Chain) tip.Token {
	return tip.Token{Symbol: "cUSD", Chain: chain, Decimals: 18}
}

func TestKudos_Settle_Router_Route(t *testing.T) {
	t.Parallel()

	amount := decimal.RequireFromString("0.10")

	t.Run("settles on the first eligible chain only", func(t *testing.T) {
		t.Parallel()

		first := &fakeProtocol{chain: tip.ChainSolana}
		second := &fakeProtocol{chain: tip.ChainBase}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: fundedWallet(tip.ChainSolana), Protocol: first},
				{Chain: tip.ChainBase, Tokens: []tip.Token{usdcOn(tip.ChainBase)}, Wallet: fundedWallet(tip.ChainBase), Protocol: second},
			},
		})
		require.NoError(t, err)

		result, attempts, err := router.Route(t.Context(), multiChainCreator(), fundedSnapshot(tip.ChainSolana, tip.ChainBase), amount)
		require.NoError(t, err)
		require.Empty(t, attempts)
		require.Equal(t, tip.ChainSolana, result.Chain)
		require.Equal(t, 1, first.calls)
		require.Zero(t, second.calls, "one chain per tip")
	})

	t.Run("falls through to the next chain when the creator has no address", func(t *testing.T) {
		t.Parallel()

		solOnly := &fakeProtocol{chain: tip.ChainSolana}
		base := &fakeProtocol{chain: tip.ChainBase}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: fundedWallet(tip.ChainSolana), Protocol: solOnly},
				{Chain: tip.ChainBase, Tokens: []tip.Token{usdcOn(tip.ChainBase)}, Wallet: fundedWallet(tip.ChainBase), Protocol: base},
			},
		})
		require.NoError(t, err)

		evmCreator := multiChainCreator()
		evmCreator.SolanaAddress = nil

		result, _, err := router.Route(t.Context(), evmCreator, fundedSnapshot(tip.ChainSolana, tip.ChainBase), amount)
		require.NoError(t, err)
		require.Equal(t, tip.ChainBase, result.Chain)
		require.Zero(t, solOnly.calls)
	})

	t.Run("skips chains with a short snapshot balance", func(t *testing.T) {
		t.Parallel()

		sol := &fakeProtocol{chain: tip.ChainSolana}
		base := &fakeProtocol{chain: tip.ChainBase}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: fundedWallet(tip.ChainSolana), Protocol: sol},
				{Chain: tip.ChainBase, Tokens: []tip.Token{usdcOn(tip.ChainBase)}, Wallet: fundedWallet(tip.ChainBase), Protocol: base},
			},
		})
		require.NoError(t, err)

		snapshot := fundedSnapshot(tip.ChainBase)
		snapshot.Chains[tip.ChainSolana] = tip.ChainBalance{Stables: map[string]decimal.Decimal{"USDC": decimal.Zero}}

		result, _, err := router.Route(t.Context(), multiChainCreator(), snapshot, amount)
		require.NoError(t, err)
		require.Equal(t, tip.ChainBase, result.Chain)
		require.Zero(t, sol.calls)
	})

	t.Run("settles in a secondary stable when the primary is empty", func(t *testing.T) {
		t.Parallel()

		celo := &fakeProtocol{chain: tip.ChainCelo}
		wallet := &wallettest.Fake{
			ChainVal:      tip.ChainCelo,
			TokenBalances: map[string]decimal.Decimal{"cUSD": decimal.NewFromInt(5)},
		}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainCelo, Tokens: []tip.Token{usdcOn(tip.ChainCelo), cusdOn(tip.ChainCelo)}, Wallet: wallet, Protocol: celo},
			},
		})
		require.NoError(t, err)

		snapshot := &tip.WalletSnapshot{Chains: map[tip.Chain]tip.ChainBalance{
			tip.ChainCelo: {Stables: map[string]decimal.Decimal{"USDC": decimal.Zero, "cUSD": decimal.NewFromInt(5)}},
		}}

		result, attempts, err := router.Route(t.Context(), multiChainCreator(), snapshot, amount)
		require.NoError(t, err)
		require.Empty(t, attempts)
		require.Equal(t, tip.ChainCelo, result.Chain)
		require.Equal(t, 1, celo.calls)
		require.Equal(t, "cUSD", celo.lastReq.Token.Symbol, "the attempt draws from the funded stable")
	})

	t.Run("live balance re-check catches a mid-run spend", func(t *testing.T) {
		t.Parallel()

		sol := &fakeProtocol{chain: tip.ChainSolana}
		base := &fakeProtocol{chain: tip.ChainBase}
		drained := &wallettest.Fake{
			ChainVal:      tip.ChainSolana,
			TokenBalances: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("0.05")},
		}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: drained, Protocol: sol},
				{Chain: tip.ChainBase, Tokens: []tip.Token{usdcOn(tip.ChainBase)}, Wallet: fundedWallet(tip.ChainBase), Protocol: base},
			},
		})
		require.NoError(t, err)

		result, attempts, err := router.Route(t.Context(), multiChainCreator(), fundedSnapshot(tip.ChainSolana, tip.ChainBase), amount)
		require.NoError(t, err)
		require.Equal(t, tip.ChainBase, result.Chain)
		require.Zero(t, sol.calls, "settlement must not be attempted past the live balance")
		require.Len(t, attempts, 1)
		require.ErrorIs(t, attempts[0].Err, ErrInsufficientFunds)
	})

	t.Run("disabled chains are never attempted", func(t *testing.T) {
		t.Parallel()

		sol := &fakeProtocol{chain: tip.ChainSolana}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: fundedWallet(tip.ChainSolana), Protocol: sol},
			},
		})
		require.NoError(t, err)

		snapshot := fundedSnapshot(tip.ChainSolana)
		bal := snapshot.Chains[tip.ChainSolana]
		bal.Disabled = true
		snapshot.Chains[tip.ChainSolana] = bal

		_, _, err = router.Route(t.Context(), multiChainCreator(), snapshot, amount)
		require.ErrorIs(t, err, ErrNoEligibleChain)
		require.Zero(t, sol.calls)
	})

	t.Run("all eligible chains failing is a distinct error", func(t *testing.T) {
		t.Parallel()

		sol := &fakeProtocol{chain: tip.ChainSolana, err: errors.New("rpc down")}
		base := &fakeProtocol{chain: tip.ChainBase, err: errors.New("nonce too low")}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: fundedWallet(tip.ChainSolana), Protocol: sol},
				{Chain: tip.ChainBase, Tokens: []tip.Token{usdcOn(tip.ChainBase)}, Wallet: fundedWallet(tip.ChainBase), Protocol: base},
			},
		})
		require.NoError(t, err)

		result, attempts, err := router.Route(t.Context(), multiChainCreator(), fundedSnapshot(tip.ChainSolana, tip.ChainBase), amount)
		require.ErrorIs(t, err, ErrAllChainsFailed)
		require.Nil(t, result)
		require.Len(t, attempts, 2)
		require.Equal(t, tip.ChainSolana, attempts[0].Chain)
		require.Equal(t, tip.ProtocolDirectTransfer, attempts[0].Protocol)
		require.Equal(t, tip.ChainBase, attempts[1].Chain)
	})

	t.Run("creator payable nowhere", func(t *testing.T) {
		t.Parallel()

		sol := &fakeProtocol{chain: tip.ChainSolana}
		router, err := NewRouter(RouterConfig{
			Logger: kudostesting.NewLogger(),
			Routes: []ChainRoute{
				{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcOn(tip.ChainSolana)}, Wallet: fundedWallet(tip.ChainSolana), Protocol: sol},
			},
		})
		require.NoError(t, err)

		_, _, err = router.Route(t.Context(), tip.Creator{Slug: "nowallet"}, fundedSnapshot(tip.ChainSolana), amount)
		require.ErrorIs(t, err, ErrNoEligibleChain)
	})
}

func TestKudos_Settle_DirectTransfer(t *testing.T) {
	t.Parallel()

	amount := decimal.RequireFromString("0.10")
	token := usdcOn(tip.ChainBase)

	t.Run("transfers the exact raw amount", func(t *testing.T) {
		t.Parallel()

		w := fundedWallet(tip.ChainBase)
		w.TransferRef = "0xtx"
		p, err := NewDirectTransfer(DirectTransferConfig{Logger: kudostesting.NewLogger(), Wallet: w})
		require.NoError(t, err)

		result, err := p.Settle(t.Context(), Request{Creator: multiChainCreator(), Recipient: "0xevm", Amount: amount, Token: token})
		require.NoError(t, err)
		require.Equal(t, "0xtx", result.TxRef)
		require.Equal(t, tip.ProtocolDirectTransfer, result.Protocol)
		require.Nil(t, result.Redistributed)

		calls := w.TransferCalls()
		require.Len(t, calls, 1)
		require.Equal(t, "0xevm", calls[0].Recipient)
		require.Equal(t, "100000", calls[0].Raw.String())
	})

	t.Run("converts with the request token's own exponent", func(t *testing.T) {
		t.Parallel()

		w := &wallettest.Fake{
			ChainVal:      tip.ChainCelo,
			TokenBalances: map[string]decimal.Decimal{"cUSD": decimal.NewFromInt(5)},
			TransferRef:   "0xcusd",
		}
		p, err := NewDirectTransfer(DirectTransferConfig{Logger: kudostesting.NewLogger(), Wallet: w})
		require.NoError(t, err)

		result, err := p.Settle(t.Context(), Request{Creator: multiChainCreator(), Recipient: "0xevm", Amount: amount, Token: cusdOn(tip.ChainCelo)})
		require.NoError(t, err)
		require.Equal(t, "0xcusd", result.TxRef)

		calls := w.TransferCalls()
		require.Len(t, calls, 1)
		require.Equal(t, "100000000000000000", calls[0].Raw.String())
	})

	t.Run("rejects a malformed recipient before any transfer", func(t *testing.T) {
		t.Parallel()

		w := fundedWallet(tip.ChainBase)
		w.InvalidAddrs = map[string]bool{"bogus": true}
		p, err := NewDirectTransfer(DirectTransferConfig{Logger: kudostesting.NewLogger(), Wallet: w})
		require.NoError(t, err)

		_, err = p.Settle(t.Context(), Request{Creator: multiChainCreator(), Recipient: "bogus", Amount: amount, Token: token})
		require.Error(t, err)
		require.Empty(t, w.TransferCalls())
	})

	t.Run("insufficient balance aborts the attempt", func(t *testing.T) {
		t.Parallel()

		w := &wallettest.Fake{
			ChainVal:      tip.ChainBase,
			TokenBalances: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("0.01")},
		}
		p, err := NewDirectTransfer(DirectTransferConfig{Logger: kudostesting.NewLogger(), Wallet: w})
		require.NoError(t, err)

		_, err = p.Settle(t.Context(), Request{Creator: multiChainCreator(), Recipient: "0xevm", Amount: amount, Token: token})
		require.ErrorIs(t, err, ErrInsufficientFunds)
		require.Empty(t, w.TransferCalls())
	})
}
