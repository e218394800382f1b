package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// Default decimal exponents per (chain, token). These are deployment
// constants; a wrong exponent here is an overspend or a dust tip, so they
// are explicit and never inferred from chain state.
const (
	SolanaNativeDecimals = 9 // SOL lamports
	EVMNativeDecimals    = 18
	USDCDecimals         = 6 // USDC on Solana, Base and Celo
	CUSDDecimals         = 18
)

// ChainConfig holds everything the agent needs to operate one chain.
type ChainConfig struct {
	Chain          tip.Chain
	RPCURL         string
	PrivateKey     string // base58 (Solana) or hex (EVM) signing key material
	ChainID        int64  // EVM only
	NativeDecimals int32
	Tokens         []tip.Token
}

// StableTokens returns the stable-coin tokens configured for the chain.
func (c ChainConfig) StableTokens() []tip.Token {
	return c.Tokens
}

// Config is the full agent/service configuration, sourced from the
// environment. See Load for the variable names.
type Config struct {
	Chains        map[tip.Chain]ChainConfig
	ChainPriority []tip.Chain

	TipAmount      decimal.Decimal
	MaxTipsPerRun  int
	CooldownWindow time.Duration
	CandidateDelay time.Duration
	RunTimeout     time.Duration

	FacilitatorURL string
	// PayResourceBaseURL is where creator payment resources live. When both
	// this and FacilitatorURL are set, tips go over the request-for-payment
	// rail; otherwise the agent transfers directly.
	PayResourceBaseURL string
	ScoreURL           string
	AnthropicModel     string

	PostgresURL string
	ListenAddr  string
	SentryDSN   string
}

func (cfg *Config) Validate() error {
	if len(cfg.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	if len(cfg.ChainPriority) == 0 {
		return errors.New("chain priority is required")
	}
	for _, c := range cfg.ChainPriority {
		if _, ok := cfg.Chains[c]; !ok {
			return fmt.Errorf("chain %q in priority order is not configured", c)
		}
	}
	if !cfg.TipAmount.IsPositive() {
		return errors.New("tip amount must be positive")
	}
	if cfg.MaxTipsPerRun <= 0 {
		return errors.New("max tips per run must be positive")
	}
	if cfg.CooldownWindow <= 0 {
		return errors.New("cooldown window must be positive")
	}
	for chain, cc := range cfg.Chains {
		if cc.RPCURL == "" {
			return fmt.Errorf("rpc url for %s is required", chain)
		}
		if len(cc.Tokens) == 0 {
			return fmt.Errorf("at least one stable token for %s is required", chain)
		}
		if chain.Family() == tip.FamilyEVM && cc.ChainID == 0 {
			return fmt.Errorf("chain id for %s is required", chain)
		}
	}
	return nil
}

// Load reads configuration from the environment. Callers load .env files
// (godotenv) before calling this.
func Load() (*Config, error) {
	cfg := &Config{
		Chains:             map[tip.Chain]ChainConfig{},
		TipAmount:          envDecimal("TIP_AMOUNT_USD", decimal.RequireFromString("0.10")),
		MaxTipsPerRun:      envInt("MAX_TIPS_PER_RUN", 3),
		CooldownWindow:     time.Duration(envInt("COOLDOWN_DAYS", 7)) * 24 * time.Hour,
		CandidateDelay:     envDuration("CANDIDATE_DELAY", 2*time.Second),
		RunTimeout:         envDuration("RUN_TIMEOUT", 5*time.Minute),
		FacilitatorURL:     os.Getenv("FACILITATOR_URL"),
		PayResourceBaseURL: os.Getenv("PAY_RESOURCE_BASE_URL"),
		ScoreURL:           os.Getenv("SCORE_PROVIDER_URL"),
		AnthropicModel:     envString("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		PostgresURL:        os.Getenv("POSTGRES_URL"),
		ListenAddr:         envString("LISTEN_ADDR", "0.0.0.0:8080"),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
	}

	if rpc := os.Getenv("SOLANA_RPC_URL"); rpc != "" {
		cc := ChainConfig{
			Chain:          tip.ChainSolana,
			RPCURL:         rpc,
			PrivateKey:     os.Getenv("SOLANA_PRIVATE_KEY"),
			NativeDecimals: SolanaNativeDecimals,
			Tokens: []tip.Token{{
				Symbol:   "USDC",
				Chain:    tip.ChainSolana,
				Address:  envString("SOLANA_USDC_MINT", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
				Decimals: USDCDecimals,
			}},
		}
		cfg.Chains[tip.ChainSolana] = cc
	}

	if rpc := os.Getenv("BASE_RPC_URL"); rpc != "" {
		cc := ChainConfig{
			Chain:          tip.ChainBase,
			RPCURL:         rpc,
			PrivateKey:     os.Getenv("EVM_PRIVATE_KEY"),
			ChainID:        envInt64("BASE_CHAIN_ID", 8453),
			NativeDecimals: EVMNativeDecimals,
			Tokens: []tip.Token{{
				Symbol:   "USDC",
				Chain:    tip.ChainBase,
				Address:  envString("BASE_USDC_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
				Decimals: USDCDecimals,
			}},
		}
		cfg.Chains[tip.ChainBase] = cc
	}

	if rpc := os.Getenv("CELO_RPC_URL"); rpc != "" {
		cc := ChainConfig{
			Chain:          tip.ChainCelo,
			RPCURL:         rpc,
			PrivateKey:     os.Getenv("EVM_PRIVATE_KEY"),
			ChainID:        envInt64("CELO_CHAIN_ID", 42220),
			NativeDecimals: EVMNativeDecimals,
			Tokens: []tip.Token{
				{
					Symbol:   "USDC",
					Chain:    tip.ChainCelo,
					Address:  envString("CELO_USDC_ADDRESS", "0xcebA9300f2b948710d2653dD7B07f33A8B32118C"),
					Decimals: USDCDecimals,
				},
				{
					Symbol:   "cUSD",
					Chain:    tip.ChainCelo,
					Address:  envString("CELO_CUSD_ADDRESS", "0x765DE816845861e75A25fCA122bb6898B8B1282a"),
					Decimals: CUSDDecimals,
				},
			},
		}
		cfg.Chains[tip.ChainCelo] = cc
	}

	cfg.ChainPriority = parsePriority(envString("CHAIN_PRIORITY", "solana,base,celo"), cfg.Chains)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parsePriority keeps only configured chains, preserving the given order.
func parsePriority(raw string, chains map[tip.Chain]ChainConfig) []tip.Chain {
	var out []tip.Chain
	for _, part := range strings.Split(raw, ",") {
		c := tip.Chain(strings.TrimSpace(part))
		if !c.Valid() {
			continue
		}
		if _, ok := chains[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
