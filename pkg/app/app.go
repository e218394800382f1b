// Package app assembles the tipping agent from configuration: database
// pool, chain wallets, decision engine and settlement routes. Both
// binaries build through here so they stay wired identically.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kudoslabs/kudos/pkg/agent"
	"github.com/kudoslabs/kudos/pkg/balances"
	"github.com/kudoslabs/kudos/pkg/config"
	"github.com/kudoslabs/kudos/pkg/directory"
	"github.com/kudoslabs/kudos/pkg/ledger"
	"github.com/kudoslabs/kudos/pkg/reason"
	"github.com/kudoslabs/kudos/pkg/retry"
	"github.com/kudoslabs/kudos/pkg/score"
	"github.com/kudoslabs/kudos/pkg/selector"
	"github.com/kudoslabs/kudos/pkg/settle"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
	"github.com/kudoslabs/kudos/pkg/wallet/evmwallet"
	"github.com/kudoslabs/kudos/pkg/wallet/solanawallet"
	"github.com/kudoslabs/kudos/pkg/x402"
)

type App struct {
	Log *slog.Logger
	Cfg *config.Config

	Pool      *pgxpool.Pool
	Ledger    ledger.Store
	Directory directory.Directory

	Wallets    map[tip.Chain]wallet.Wallet
	Tokens     map[tip.Chain]tip.Token
	Aggregator *balances.Aggregator

	Facilitator *x402.Client
	Agent       *agent.Agent
}

// Build wires the full agent stack from configuration. Migrations run
// before anything touches the database.
func Build(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	if cfg.PostgresURL == "" {
		return nil, errors.New("postgres url is required")
	}

	// The database may still be coming up when the service starts; connecting
	// is idempotent and safe to retry.
	var pool *pgxpool.Pool
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		if err := ledger.RunMigrations(log, cfg.PostgresURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		var err error
		pool, err = ledger.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("failed to create database pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	store, err := ledger.NewPostgresStore(ledger.PostgresStoreConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, err
	}
	dir, err := directory.NewPostgresDirectory(directory.PostgresDirectoryConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, err
	}

	app := &App{
		Log:       log,
		Cfg:       cfg,
		Pool:      pool,
		Ledger:    store,
		Directory: dir,
		Wallets:   map[tip.Chain]wallet.Wallet{},
		Tokens:    map[tip.Chain]tip.Token{},
	}

	for chain, cc := range cfg.Chains {
		w, err := newWallet(log, cc)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create %s wallet: %w", chain, err)
		}
		app.Wallets[chain] = w
		// Primary stable, used for inbound payment challenges. Settlement
		// routes may draw from any of the chain's configured stables.
		app.Tokens[chain] = cc.Tokens[0]
	}

	walletList := make([]wallet.Wallet, 0, len(cfg.ChainPriority))
	for _, chain := range cfg.ChainPriority {
		walletList = append(walletList, app.Wallets[chain])
	}
	app.Aggregator, err = balances.New(balances.Config{Logger: log, Wallets: walletList})
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.FacilitatorURL != "" {
		app.Facilitator, err = x402.NewClient(x402.ClientConfig{
			Logger:         log,
			FacilitatorURL: cfg.FacilitatorURL,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	app.Agent, err = buildAgent(log, cfg, app)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func newWallet(log *slog.Logger, cc config.ChainConfig) (wallet.Wallet, error) {
	switch cc.Chain.Family() {
	case tip.FamilySolana:
		return solanawallet.New(solanawallet.Config{
			Logger:         log,
			RPCURL:         cc.RPCURL,
			PrivateKey:     cc.PrivateKey,
			NativeDecimals: cc.NativeDecimals,
			Tokens:         cc.Tokens,
		})
	case tip.FamilyEVM:
		return evmwallet.New(evmwallet.Config{
			Logger:         log,
			Chain:          cc.Chain,
			RPCURL:         cc.RPCURL,
			PrivateKey:     cc.PrivateKey,
			ChainID:        cc.ChainID,
			NativeDecimals: cc.NativeDecimals,
			Tokens:         cc.Tokens,
		})
	default:
		return nil, fmt.Errorf("unsupported chain %q", cc.Chain)
	}
}

func buildAgent(log *slog.Logger, cfg *config.Config, app *App) (*agent.Agent, error) {
	sel, err := selector.New(selector.Config{
		Logger:         log,
		Directory:      app.Directory,
		Ledger:         app.Ledger,
		CooldownWindow: cfg.CooldownWindow,
	})
	if err != nil {
		return nil, err
	}

	engine, err := reason.NewEngine(reason.EngineConfig{
		Logger: log,
		Oracle: reason.NewAnthropicOracle(log, cfg.AnthropicModel),
	})
	if err != nil {
		return nil, err
	}

	var scores agent.ScoreProvider
	if cfg.ScoreURL != "" {
		client, err := score.NewClient(score.Config{Logger: log, BaseURL: cfg.ScoreURL})
		if err != nil {
			return nil, err
		}
		scores = client
	}

	routes := make([]settle.ChainRoute, 0, len(cfg.ChainPriority))
	for _, chain := range cfg.ChainPriority {
		route := settle.ChainRoute{
			Chain:  chain,
			Tokens: cfg.Chains[chain].Tokens,
			Wallet: app.Wallets[chain],
		}
		route.Protocol, err = newProtocol(log, cfg, app, chain)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	router, err := settle.NewRouter(settle.RouterConfig{Logger: log, Routes: routes})
	if err != nil {
		return nil, err
	}

	return agent.New(agent.Config{
		Logger:         log,
		Aggregator:     app.Aggregator,
		Selector:       sel,
		Engine:         engine,
		Router:         router,
		Ledger:         app.Ledger,
		Scores:         scores,
		TipAmount:      cfg.TipAmount,
		MaxTipsPerRun:  cfg.MaxTipsPerRun,
		CandidateDelay: cfg.CandidateDelay,
		RunTimeout:     cfg.RunTimeout,
	})
}

// newProtocol picks the settlement rail for a chain: the request-for-payment
// flow when a facilitator and a payment resource base are configured,
// otherwise a direct on-chain transfer.
func newProtocol(log *slog.Logger, cfg *config.Config, app *App, chain tip.Chain) (settle.Protocol, error) {
	if app.Facilitator != nil && cfg.PayResourceBaseURL != "" {
		base := cfg.PayResourceBaseURL
		return settle.NewRequestForPayment(settle.RequestForPaymentConfig{
			Logger: log,
			Wallet: app.Wallets[chain],
			Client: app.Facilitator,
			ResourceURL: func(creator tip.Creator, chain tip.Chain) string {
				return fmt.Sprintf("%s/creators/%s/pay/%s", base, creator.Slug, chain)
			},
		})
	}
	return settle.NewDirectTransfer(settle.DirectTransferConfig{
		Logger: log,
		Wallet: app.Wallets[chain],
	})
}
