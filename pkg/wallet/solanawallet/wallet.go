// Package solanawallet implements the agent wallet on Solana: SOL and SPL
// token balances, SPL transfers with associated-token-account creation, and
// signed-payload construction for facilitator-settled payments.
package solanawallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

const (
	confirmPollInterval = 2 * time.Second
	confirmTimeout      = 60 * time.Second
)

type Config struct {
	Logger         *slog.Logger
	RPCURL         string
	PrivateKey     string // base58-encoded signing key
	NativeDecimals int32
	Tokens         []tip.Token
	Clock          clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.PrivateKey == "" {
		return errors.New("private key is required")
	}
	if len(cfg.Tokens) == 0 {
		return errors.New("at least one token is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Wallet struct {
	log    *slog.Logger
	cfg    Config
	client *solanarpc.Client
	key    solana.PrivateKey
	pub    solana.PublicKey
	clock  clockwork.Clock
}

func New(cfg Config) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse solana private key: %w", err)
	}
	return &Wallet{
		log:    cfg.Logger,
		cfg:    cfg,
		client: solanarpc.New(cfg.RPCURL),
		key:    key,
		pub:    key.PublicKey(),
		clock:  cfg.Clock,
	}, nil
}

func (w *Wallet) Chain() tip.Chain { return tip.ChainSolana }

func (w *Wallet) Address() string { return w.pub.String() }

func (w *Wallet) ValidAddress(addr string) bool {
	raw, err := base58.Decode(addr)
	return err == nil && len(raw) == solana.PublicKeyLength
}

func (w *Wallet) Balances(ctx context.Context) (tip.ChainBalance, error) {
	bal := tip.ChainBalance{
		Address:   w.pub.String(),
		Stables:   map[string]decimal.Decimal{},
		FetchedAt: w.clock.Now(),
	}

	native, err := w.client.GetBalance(ctx, w.pub, solanarpc.CommitmentFinalized)
	if err != nil {
		return bal, fmt.Errorf("failed to fetch SOL balance: %w", err)
	}
	bal.Native = decimal.NewFromUint64(native.Value).Shift(-w.cfg.NativeDecimals)

	for _, tok := range w.cfg.Tokens {
		amount, err := w.TokenBalance(ctx, tok)
		if err != nil {
			return bal, fmt.Errorf("failed to fetch %s balance: %w", tok.Symbol, err)
		}
		bal.Stables[tok.Symbol] = amount
	}

	w.log.Debug("solanawallet: fetched balances", "address", w.pub.String(), "sol", bal.Native)
	return bal, nil
}

func (w *Wallet) TokenBalance(ctx context.Context, tok tip.Token) (decimal.Decimal, error) {
	mint, err := solana.PublicKeyFromBase58(tok.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid mint address for %s: %w", tok.Symbol, err)
	}
	account, _, err := solana.FindAssociatedTokenAddress(w.pub, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to derive token account: %w", err)
	}

	res, err := w.client.GetTokenAccountBalance(ctx, account, solanarpc.CommitmentFinalized)
	if err != nil {
		// An uninitialized token account means a zero balance, not an error.
		// Depending on the node this surfaces as not-found or as an
		// invalid-param error naming the missing account.
		if errors.Is(err, solanarpc.ErrNotFound) || strings.Contains(err.Error(), "could not find account") {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to fetch token balance: %w", err)
	}
	return tok.FromRawString(res.Value.Amount)
}

// Transfer moves raw token units to recipient. The recipient's associated
// token account is created in the same transaction when it does not exist
// yet. Waits for finalized confirmation.
func (w *Wallet) Transfer(ctx context.Context, tok tip.Token, recipient string, raw *big.Int) (string, error) {
	tx, err := w.buildTransfer(ctx, tok, recipient, raw)
	if err != nil {
		return "", err
	}

	sig, err := w.client.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentFinalized,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit transaction: %w", err)
	}

	w.log.Info("solanawallet: transfer submitted", "signature", sig.String(), "token", tok.Symbol, "recipient", recipient)

	if err := w.waitForConfirmation(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

// SignTransfer builds and signs the transfer without broadcasting it.
func (w *Wallet) SignTransfer(ctx context.Context, tok tip.Token, recipient string, raw *big.Int) ([]byte, error) {
	tx, err := w.buildTransfer(ctx, tok, recipient, raw)
	if err != nil {
		return nil, err
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return payload, nil
}

func (w *Wallet) buildTransfer(ctx context.Context, tok tip.Token, recipient string, raw *big.Int) (*solana.Transaction, error) {
	if !raw.IsUint64() || raw.Sign() <= 0 {
		return nil, fmt.Errorf("invalid transfer amount %s", raw)
	}
	mint, err := solana.PublicKeyFromBase58(tok.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address for %s: %w", tok.Symbol, err)
	}
	dest, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(w.pub, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destAccount, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination token account: %w", err)
	}

	var instructions []solana.Instruction

	// The recipient may never have held this token; create their associated
	// token account first, in the same transaction.
	_, err = w.client.GetAccountInfo(ctx, destAccount)
	if err != nil {
		if !errors.Is(err, solanarpc.ErrNotFound) {
			return nil, fmt.Errorf("failed to check destination token account: %w", err)
		}
		instructions = append(instructions, ata.NewCreateInstruction(w.pub, dest, mint).Build())
	}

	instructions = append(instructions, token.NewTransferCheckedInstruction(
		raw.Uint64(),
		uint8(tok.Decimals),
		source,
		mint,
		destAccount,
		w.pub,
		nil,
	).Build())

	blockhash, err := w.client.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(w.pub))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.pub) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

func (w *Wallet) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := w.clock.Now().Add(confirmTimeout)

	for w.clock.Now().Before(deadline) {
		out, err := w.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on-chain: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(confirmPollInterval):
		}
	}
	return fmt.Errorf("transaction %s not confirmed within %s", sig, confirmTimeout)
}
