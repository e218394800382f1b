package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kudoslabs/kudos/pkg/balances"
	"github.com/kudoslabs/kudos/pkg/directory"
	"github.com/kudoslabs/kudos/pkg/ledger"
	"github.com/kudoslabs/kudos/pkg/reason"
	"github.com/kudoslabs/kudos/pkg/selector"
	"github.com/kudoslabs/kudos/pkg/settle"
	kudostesting "github.com/kudoslabs/kudos/pkg/testing"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
	"github.com/kudoslabs/kudos/pkg/wallet/wallettest"
)

// scriptedOracle returns a fixed verdict. When release is set, Complete
// blocks until it is closed, which lets a test hold a run open.
type scriptedOracle struct {
	response string
	err      error
	started  chan struct{}
	release  chan struct{}

	mu    sync.Mutex
	calls int
}

func (o *scriptedOracle) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if o.started != nil {
		o.started <- struct{}{}
	}
	if o.release != nil {
		<-o.release
	}
	if o.err != nil {
		return "", o.err
	}
	return o.response, nil
}

func (o *scriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func tipOracle() *scriptedOracle {
	return &scriptedOracle{response: `{"decision": "TIP", "reason": "active creator with real following"}`}
}

// redistributingProtocol mimics a facilitator-routed settlement whose funds
// land on an intermediary wallet, with a scripted redistribution outcome.
type redistributingProtocol struct {
	hopErr error
}

func (p *redistributingProtocol) Name() tip.Protocol { return tip.ProtocolRequestForPayment }

func (p *redistributingProtocol) Settle(ctx context.Context, req settle.Request) (*settle.Result, error) {
	ok := p.hopErr == nil
	result := &settle.Result{
		Chain:         tip.ChainSolana,
		TxRef:         "fac-tx",
		Protocol:      tip.ProtocolRequestForPayment,
		Redistributed: &ok,
	}
	if p.hopErr != nil {
		result.RedistributionErr = fmt.Errorf("redistribution failed: %w", p.hopErr)
	}
	return result, nil
}

func addr(s string) *string { return &s }

func fixtureCreator(slug string, solAddr, evmAddr *string) tip.Creator {
	return tip.Creator{
		ID:            "creator-" + slug,
		Slug:          slug,
		DisplayName:   slug,
		SolanaAddress: solAddr,
		EVMAddress:    evmAddr,
		Verified:      true,
		FollowerCount: 4200,
	}
}

type fixture struct {
	clock  *clockwork.FakeClock
	dir    *directory.MemoryDirectory
	store  *ledger.MemoryStore
	solana *wallettest.Fake
	base   *wallettest.Fake
	agent  *Agent
}

// newFixture builds a two-chain agent over direct transfers. A test may
// swap the solana route's protocol to exercise other settlement outcomes.
func newFixture(t *testing.T, maxTips int, oracle reason.Oracle, solanaProtocol ...settle.Protocol) *fixture {
	t.Helper()
	log := kudostesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	f := &fixture{
		clock: clock,
		dir:   directory.NewMemoryDirectory(),
		store: ledger.NewMemoryStore(),
		solana: &wallettest.Fake{
			ChainVal:      tip.ChainSolana,
			AddressVal:    "agent-sol",
			BalancesVal:   tip.ChainBalance{Address: "agent-sol", Stables: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)}},
			TokenBalances: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)},
			TransferRef:   "sol-tx",
		},
		base: &wallettest.Fake{
			ChainVal:      tip.ChainBase,
			AddressVal:    "0xagent",
			BalancesVal:   tip.ChainBalance{Address: "0xagent", Stables: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)}},
			TokenBalances: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)},
			TransferRef:   "0xtx",
		},
	}

	usdcSol := tip.Token{Symbol: "USDC", Chain: tip.ChainSolana, Address: "usdc-mint", Decimals: 6}
	usdcBase := tip.Token{Symbol: "USDC", Chain: tip.ChainBase, Address: "0xusdc", Decimals: 6}

	agg, err := balances.New(balances.Config{
		Logger:  log,
		Wallets: []wallet.Wallet{f.solana, f.base},
		Clock:   clock,
	})
	require.NoError(t, err)

	sel, err := selector.New(selector.Config{
		Logger:         log,
		Directory:      f.dir,
		Ledger:         f.store,
		CooldownWindow: 7 * 24 * time.Hour,
		Clock:          clock,
	})
	require.NoError(t, err)

	engine, err := reason.NewEngine(reason.EngineConfig{Logger: log, Oracle: oracle, Clock: clock})
	require.NoError(t, err)

	var solProto settle.Protocol
	solProto, err = settle.NewDirectTransfer(settle.DirectTransferConfig{Logger: log, Wallet: f.solana})
	require.NoError(t, err)
	if len(solanaProtocol) > 0 {
		solProto = solanaProtocol[0]
	}
	baseDirect, err := settle.NewDirectTransfer(settle.DirectTransferConfig{Logger: log, Wallet: f.base})
	require.NoError(t, err)

	router, err := settle.NewRouter(settle.RouterConfig{
		Logger: log,
		Routes: []settle.ChainRoute{
			{Chain: tip.ChainSolana, Tokens: []tip.Token{usdcSol}, Wallet: f.solana, Protocol: solProto},
			{Chain: tip.ChainBase, Tokens: []tip.Token{usdcBase}, Wallet: f.base, Protocol: baseDirect},
		},
	})
	require.NoError(t, err)

	f.agent, err = New(Config{
		Logger:        log,
		Aggregator:    agg,
		Selector:      sel,
		Engine:        engine,
		Router:        router,
		Ledger:        f.store,
		TipAmount:     decimal.RequireFromString("0.10"),
		MaxTipsPerRun: maxTips,
		RunTimeout:    time.Minute,
		Clock:         clock,
	})
	require.NoError(t, err)
	return f
}

// recordPriorTip writes a confirmed agent-initiated settlement for the
// creator at the given age, as a finished earlier run would have.
func (f *fixture) recordPriorTip(t *testing.T, creator tip.Creator, age time.Duration) {
	t.Helper()
	ctx := t.Context()
	decision := tip.Decision{
		ID:        uuid.NewString(),
		CreatorID: creator.ID,
		Kind:      tip.DecisionTip,
		Reason:    "earlier run",
		CreatedAt: f.clock.Now().Add(-age),
	}
	require.NoError(t, f.store.RecordDecision(ctx, decision))
	require.NoError(t, f.store.RecordSettlement(ctx, tip.Settlement{
		ID:             uuid.NewString(),
		DecisionID:     decision.ID,
		Chain:          tip.ChainSolana,
		Amount:         decimal.RequireFromString("0.10"),
		TxRef:          "prior-tx",
		Status:         tip.SettlementConfirmed,
		Protocol:       tip.ProtocolDirectTransfer,
		AgentInitiated: true,
		CreatedAt:      f.clock.Now().Add(-age),
	}))
}

func TestKudos_Agent_Run(t *testing.T) {
	t.Parallel()

	t.Run("tips an eligible creator on the highest-priority chain", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, tipOracle())
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), addr("0xada")))

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Empty(t, report.Errors)
		require.Equal(t, 1, report.CreatorsAnalyzed)
		require.Equal(t, 1, report.TipsCreated)
		require.Equal(t, map[tip.Chain]int{tip.ChainSolana: 1}, report.TipsByChain)
		require.Zero(t, report.Skips)

		require.Len(t, report.Decisions, 1)
		require.Equal(t, tip.DecisionTip, report.Decisions[0].Kind)
		require.Equal(t, tip.ChainSolana, report.Decisions[0].Chain)
		require.Equal(t, "sol-tx", report.Decisions[0].TxRef)

		settlements := f.store.Settlements()
		require.Len(t, settlements, 1)
		require.Equal(t, tip.SettlementConfirmed, settlements[0].Status)
		require.True(t, settlements[0].AgentInitiated)
		require.Equal(t, "0.1", settlements[0].Amount.String())

		transfers := f.solana.TransferCalls()
		require.Len(t, transfers, 1)
		require.Equal(t, "sol-ada", transfers[0].Recipient)
		require.Empty(t, f.base.TransferCalls(), "one chain per tip")

		require.EqualValues(t, 1, report.Cumulative.Tips)
		require.Equal(t, "0.1", report.Cumulative.USDTipped.String())
		require.Equal(t, "5", report.WalletBalances[tip.ChainSolana])
	})

	t.Run("aborts when no chain covers the tip amount", func(t *testing.T) {
		t.Parallel()
		oracle := tipOracle()
		f := newFixture(t, 3, oracle)
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))
		f.solana.BalancesVal.Stables = map[string]decimal.Decimal{"USDC": decimal.Zero}
		f.base.BalancesVal.Stables = map[string]decimal.Decimal{"USDC": decimal.Zero}

		report := f.agent.Run(t.Context())

		require.False(t, report.Success)
		require.Contains(t, report.Errors, "no chain has a balance covering the tip amount")
		require.Zero(t, report.CreatorsAnalyzed)
		require.Zero(t, oracle.Calls())
		require.Empty(t, f.store.Decisions())
	})

	t.Run("a failing chain disables it without aborting the run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, tipOracle())
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), addr("0xada")))
		f.solana.BalancesErr = errors.New("rpc timeout")

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Len(t, report.Errors, 1)
		require.Contains(t, report.Errors[0], "balance fetch failed on solana")
		require.Equal(t, 1, report.TipsCreated)
		require.Equal(t, map[tip.Chain]int{tip.ChainBase: 1}, report.TipsByChain)
	})

	t.Run("cooldown skips count against decisions, not the tip budget", func(t *testing.T) {
		t.Parallel()
		oracle := tipOracle()
		f := newFixture(t, 3, oracle)
		cooled := fixtureCreator("ada", addr("sol-ada"), nil)
		f.dir.Add(cooled)
		f.recordPriorTip(t, cooled, 3*24*time.Hour)

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Equal(t, 1, report.CreatorsAnalyzed)
		require.Equal(t, 1, report.Skips)
		require.Zero(t, report.TipsCreated)
		require.Zero(t, oracle.Calls(), "cooldown is decided without the oracle")

		require.Len(t, report.Decisions, 1)
		require.Equal(t, tip.DecisionSkip, report.Decisions[0].Kind)
		require.Contains(t, report.Decisions[0].Reason, "cooldown active")
	})

	t.Run("skip verdicts record a decision and settle nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, &scriptedOracle{response: `{"decision": "SKIP", "reason": "account too new"}`})
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Equal(t, 1, report.Skips)
		require.Zero(t, report.TipsCreated)
		require.Empty(t, f.store.Settlements())
		require.Empty(t, f.solana.TransferCalls())

		decisions := f.store.Decisions()
		require.Len(t, decisions, 1)
		require.Equal(t, tip.DecisionSkip, decisions[0].Kind)
	})

	t.Run("stops at the per-run tip budget", func(t *testing.T) {
		t.Parallel()
		oracle := tipOracle()
		f := newFixture(t, 2, oracle)
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))
		f.dir.Add(fixtureCreator("bob", addr("sol-bob"), nil))
		f.dir.Add(fixtureCreator("cyn", addr("sol-cyn"), nil))

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Equal(t, 2, report.TipsCreated)
		require.Equal(t, 2, report.CreatorsAnalyzed)
		require.Equal(t, 2, oracle.Calls())
		require.Len(t, f.store.Settlements(), 2)
	})

	t.Run("a tip that settles nowhere is a run error, not a lost decision", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, tipOracle())
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))
		f.solana.TransferErr = errors.New("blockhash expired")

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Zero(t, report.TipsCreated)
		require.Empty(t, f.store.Settlements())

		decisions := f.store.Decisions()
		require.Len(t, decisions, 1)
		require.Equal(t, tip.DecisionTip, decisions[0].Kind, "the TIP verdict stands with zero settlements")

		var notSettled bool
		for _, e := range report.Errors {
			if e == "tip for ada not settled: "+settle.ErrAllChainsFailed.Error() {
				notSettled = true
			}
		}
		require.True(t, notSettled, "errors: %v", report.Errors)
	})

	t.Run("a completed redistribution is recorded on the settlement", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, tipOracle(), &redistributingProtocol{})
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Empty(t, report.Errors)
		require.Equal(t, 1, report.TipsCreated)

		settlements := f.store.Settlements()
		require.Len(t, settlements, 1)
		require.Equal(t, tip.ProtocolRequestForPayment, settlements[0].Protocol)
		require.NotNil(t, settlements[0].Redistributed)
		require.True(t, *settlements[0].Redistributed)
	})

	t.Run("a failed redistribution leaves reconciliation state behind", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, tipOracle(), &redistributingProtocol{hopErr: errors.New("hop reverted")})
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))

		report := f.agent.Run(t.Context())

		require.True(t, report.Success, "a failed hop does not fail the settlement")
		require.Equal(t, 1, report.TipsCreated)

		settlements := f.store.Settlements()
		require.Len(t, settlements, 1)
		require.Equal(t, tip.SettlementConfirmed, settlements[0].Status)
		require.NotNil(t, settlements[0].Redistributed)
		require.False(t, *settlements[0].Redistributed)

		var hopReported bool
		for _, e := range report.Errors {
			if e == "redistribution for ada on solana: redistribution failed: hop reverted" {
				hopReported = true
			}
		}
		require.True(t, hopReported, "errors: %v", report.Errors)
	})

	t.Run("oracle faults fail safe to a skip", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3, &scriptedOracle{err: errors.New("api overloaded")})
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))

		report := f.agent.Run(t.Context())

		require.True(t, report.Success)
		require.Equal(t, 1, report.Skips)
		require.Zero(t, report.TipsCreated)
		require.Contains(t, report.Decisions[0].Reason, reason.InternalErrorReason)
	})

	t.Run("exactly one run at a time", func(t *testing.T) {
		t.Parallel()
		oracle := tipOracle()
		oracle.started = make(chan struct{})
		oracle.release = make(chan struct{})
		f := newFixture(t, 3, oracle)
		f.dir.Add(fixtureCreator("ada", addr("sol-ada"), nil))

		firstDone := make(chan *tip.RunReport, 1)
		go func() {
			firstDone <- f.agent.Run(context.Background())
		}()
		<-oracle.started

		second := f.agent.Run(t.Context())
		require.False(t, second.Success)
		require.Contains(t, second.Errors, ErrRunActive.Error())

		close(oracle.release)
		first := <-firstDone
		require.True(t, first.Success)
		require.Equal(t, 1, first.TipsCreated)
	})
}
