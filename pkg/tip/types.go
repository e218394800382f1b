package tip

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies one of the supported blockchain networks.
type Chain string

const (
	ChainSolana Chain = "solana"
	ChainBase   Chain = "base"
	ChainCelo   Chain = "celo"
)

// ChainFamily classifies a chain by its address/transaction format.
type ChainFamily string

const (
	FamilySolana ChainFamily = "solana"
	FamilyEVM    ChainFamily = "evm"
)

func (c Chain) Family() ChainFamily {
	if c == ChainSolana {
		return FamilySolana
	}
	return FamilyEVM
}

func (c Chain) Valid() bool {
	switch c {
	case ChainSolana, ChainBase, ChainCelo:
		return true
	}
	return false
}

// Protocol names the settlement path used for a tip.
type Protocol string

const (
	ProtocolDirectTransfer    Protocol = "direct-transfer"
	ProtocolRequestForPayment Protocol = "request-for-payment"
)

// SettlementStatus is the lifecycle state of a settlement. Once written a
// settlement only transitions pending -> confirmed or pending -> failed.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// DecisionKind is the outcome of evaluating one creator.
type DecisionKind string

const (
	DecisionTip  DecisionKind = "TIP"
	DecisionSkip DecisionKind = "SKIP"
)

// Creator is a verified directory entry. Read-only from the agent's
// perspective; registration happens elsewhere.
type Creator struct {
	ID            string
	Slug          string
	DisplayName   string
	Bio           string
	SolanaAddress *string
	EVMAddress    *string
	Verified      bool
	FollowerCount int64
	CreatedAt     time.Time
}

// AddressFor returns the creator's wallet address for the given chain, or
// nil when the creator cannot receive on that chain.
func (c *Creator) AddressFor(chain Chain) *string {
	switch chain.Family() {
	case FamilySolana:
		return c.SolanaAddress
	case FamilyEVM:
		return c.EVMAddress
	}
	return nil
}

// TipEligible reports whether the creator has at least one payable address.
func (c *Creator) TipEligible() bool {
	return c.SolanaAddress != nil || c.EVMAddress != nil
}

// ChainBalance is the agent wallet's view of one chain at snapshot time.
type ChainBalance struct {
	Address   string
	Native    decimal.Decimal
	Stables   map[string]decimal.Decimal
	FetchedAt time.Time
	Disabled  bool
}

// SpendableStable is the largest single stable-coin balance on the chain,
// which is what a tip settlement can draw from.
func (b ChainBalance) SpendableStable() decimal.Decimal {
	max := decimal.Zero
	for _, v := range b.Stables {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

// ChainError records a per-chain read failure during a snapshot.
type ChainError struct {
	Chain Chain
	Err   string
}

// WalletSnapshot is taken once per run. Chains that failed their fetch are
// marked disabled with the error recorded; they are never settled against.
type WalletSnapshot struct {
	Chains    map[Chain]ChainBalance
	Errors    []ChainError
	FetchedAt time.Time
}

// Usable reports whether any chain has a spendable stable balance of at
// least amount.
func (s *WalletSnapshot) Usable(amount decimal.Decimal) bool {
	for _, b := range s.Chains {
		if !b.Disabled && b.SpendableStable().GreaterThanOrEqual(amount) {
			return true
		}
	}
	return false
}

// Decision records the agent's verdict on one creator in one run.
// Immutable once logged.
type Decision struct {
	ID        string
	CreatorID string
	Kind      DecisionKind
	Reason    string
	Score     *float64
	CreatedAt time.Time
}

// Settlement is one payment attempt outcome attached to a TIP decision.
// TxRef is written exactly once by the settlement orchestrator; Status is
// finalized only by the ledger. Redistributed is nil unless the protocol
// routed funds through an intermediary wallet.
type Settlement struct {
	ID             string
	DecisionID     string
	Chain          Chain
	Amount         decimal.Decimal
	TxRef          string
	Status         SettlementStatus
	Protocol       Protocol
	AgentInitiated bool
	Redistributed  *bool
	CreatedAt      time.Time
}

// CumulativeStats are all-time ledger aggregates, independent of any run.
type CumulativeStats struct {
	Decisions int64
	Tips      int64
	Skips     int64
	USDTipped decimal.Decimal
}

// DecisionSummary is the per-creator line included in a run report.
type DecisionSummary struct {
	CreatorSlug string       `json:"creatorSlug"`
	Kind        DecisionKind `json:"decision"`
	Reason      string       `json:"reason"`
	Chain       Chain        `json:"chain,omitempty"`
	TxRef       string       `json:"txRef,omitempty"`
}

// RunReport is the structured result of one agent invocation. It is always
// returned, success or not; run-level failures populate Errors and clear
// Success rather than escaping as a bare error.
type RunReport struct {
	Success          bool              `json:"success"`
	StartedAt        time.Time         `json:"startedAt"`
	FinishedAt       time.Time         `json:"finishedAt"`
	CreatorsAnalyzed int               `json:"creatorsAnalyzed"`
	TipsCreated      int               `json:"tipsCreated"`
	TipsByChain      map[Chain]int     `json:"tipsByChain"`
	Skips            int               `json:"skips"`
	Errors           []string          `json:"errors"`
	Decisions        []DecisionSummary `json:"decisions"`
	Wallet           *WalletSnapshot   `json:"-"`
	WalletBalances   map[Chain]string  `json:"walletBalances"`
	Cumulative       CumulativeStats   `json:"cumulative"`
}

// AddError appends a run-level error message for operator visibility.
func (r *RunReport) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}
