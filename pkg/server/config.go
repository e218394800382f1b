package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/agent"
	"github.com/kudoslabs/kudos/pkg/balances"
	"github.com/kudoslabs/kudos/pkg/directory"
	"github.com/kudoslabs/kudos/pkg/ledger"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
	"github.com/kudoslabs/kudos/pkg/x402"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string

	Agent     *agent.Agent
	Directory directory.Directory
	Ledger    ledger.Store
	Balances  *balances.Aggregator

	// Wallets and Tokens back the payment and funding resources, keyed by
	// chain. A chain absent from these maps has no payment resource.
	Wallets map[tip.Chain]wallet.Wallet
	Tokens  map[tip.Chain]tip.Token

	// Facilitator verifies and settles inbound payments. When nil the
	// payment resources only issue challenges and reject payment proofs.
	Facilitator *x402.Client

	// TipAmount is the advertised price of the creator payment resource,
	// in human token units.
	TipAmount decimal.Decimal

	Clock             clockwork.Clock
	StatusCacheTTL    time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Agent == nil {
		return errors.New("agent is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Balances == nil {
		return errors.New("balance aggregator is required")
	}
	if len(cfg.Wallets) == 0 {
		return errors.New("at least one wallet is required")
	}
	for chain := range cfg.Wallets {
		if _, ok := cfg.Tokens[chain]; !ok {
			return errors.New("every wallet chain needs a payment token")
		}
	}
	if !cfg.TipAmount.IsPositive() {
		return errors.New("tip amount must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 15 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
