// Package balances takes the once-per-run wallet snapshot across all
// configured chains.
package balances

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
)

type Config struct {
	Logger  *slog.Logger
	Wallets []wallet.Wallet
	Clock   clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Wallets) == 0 {
		return errors.New("at least one wallet is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Aggregator fetches every chain wallet's balances and folds them into one
// snapshot. Chain fetches are independent: a failing chain is reported as
// disabled for the run, never aborting the others. No retries within a run.
type Aggregator struct {
	log     *slog.Logger
	wallets []wallet.Wallet
	clock   clockwork.Clock
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{log: cfg.Logger, wallets: cfg.Wallets, clock: cfg.Clock}, nil
}

func (a *Aggregator) Snapshot(ctx context.Context) *tip.WalletSnapshot {
	snapshot := &tip.WalletSnapshot{
		Chains:    map[tip.Chain]tip.ChainBalance{},
		FetchedAt: a.clock.Now(),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, w := range a.wallets {
		g.Go(func() error {
			bal, err := w.Balances(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warn("balances: chain fetch failed, disabling for this run", "chain", w.Chain(), "error", err)
				bal.Disabled = true
				snapshot.Errors = append(snapshot.Errors, tip.ChainError{Chain: w.Chain(), Err: err.Error()})
			}
			snapshot.Chains[w.Chain()] = bal
			return nil
		})
	}

	// Goroutines above never return errors; failures are folded into the
	// snapshot instead.
	_ = g.Wait()

	a.log.Info("balances: snapshot taken", "chains", len(snapshot.Chains), "errors", len(snapshot.Errors))
	return snapshot
}
