// Package evmwallet implements the agent wallet on EVM chains (Base, Celo):
// native and ERC-20 balance reads and ERC-20 transfers signed with the
// agent's key.
package evmwallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	receiptPollInterval = 3 * time.Second
	receiptTimeout      = 90 * time.Second
)

type Config struct {
	Logger         *slog.Logger
	Chain          tip.Chain
	RPCURL         string
	PrivateKey     string // hex-encoded secp256k1 key
	ChainID        int64
	NativeDecimals int32
	Tokens         []tip.Token
	Clock          clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain.Family() != tip.FamilyEVM {
		return fmt.Errorf("chain %s is not an EVM chain", cfg.Chain)
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.PrivateKey == "" {
		return errors.New("private key is required")
	}
	if cfg.ChainID == 0 {
		return errors.New("chain id is required")
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
	log     *slog.Logger
	cfg     Config
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	abi     abi.ABI
	chainID *big.Int
	clock   clockwork.Clock
}

func New(cfg Config) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse evm private key: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s rpc: %w", cfg.Chain, err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}

	return &Wallet{
		log:     cfg.Logger,
		cfg:     cfg,
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		abi:     parsed,
		chainID: big.NewInt(cfg.ChainID),
		clock:   cfg.Clock,
	}, nil
}

func (w *Wallet) Chain() tip.Chain { return w.cfg.Chain }

func (w *Wallet) Address() string { return w.address.Hex() }

func (w *Wallet) ValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

func (w *Wallet) Balances(ctx context.Context) (tip.ChainBalance, error) {
	bal := tip.ChainBalance{
		Address:   w.address.Hex(),
		Stables:   map[string]decimal.Decimal{},
		FetchedAt: w.clock.Now(),
	}

	native, err := w.client.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return bal, fmt.Errorf("failed to fetch native balance: %w", err)
	}
	bal.Native = decimal.NewFromBigInt(native, 0).Shift(-w.cfg.NativeDecimals)

	for _, tok := range w.cfg.Tokens {
		amount, err := w.TokenBalance(ctx, tok)
		if err != nil {
			return bal, fmt.Errorf("failed to fetch %s balance: %w", tok.Symbol, err)
		}
		bal.Stables[tok.Symbol] = amount
	}

	w.log.Debug("evmwallet: fetched balances", "chain", w.cfg.Chain, "address", w.address.Hex())
	return bal, nil
}

func (w *Wallet) TokenBalance(ctx context.Context, tok tip.Token) (decimal.Decimal, error) {
	if !common.IsHexAddress(tok.Address) {
		return decimal.Zero, fmt.Errorf("invalid contract address for %s", tok.Symbol)
	}
	contract := common.HexToAddress(tok.Address)

	data, err := w.abi.Pack("balanceOf", w.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	results, err := w.abi.Unpack("balanceOf", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	raw, ok := results[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.New("unexpected balanceOf result type")
	}
	return tok.FromRawUnits(raw), nil
}

// Transfer sends raw token units to recipient as an EIP-1559 ERC-20
// transfer and waits for the receipt.
func (w *Wallet) Transfer(ctx context.Context, tok tip.Token, recipient string, raw *big.Int) (string, error) {
	signed, err := w.buildTransfer(ctx, tok, recipient, raw)
	if err != nil {
		return "", err
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to submit transaction: %w", err)
	}

	hash := signed.Hash()
	w.log.Info("evmwallet: transfer submitted", "chain", w.cfg.Chain, "hash", hash.Hex(), "token", tok.Symbol, "recipient", recipient)

	if err := w.waitForReceipt(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// SignTransfer builds and signs the transfer without broadcasting it.
func (w *Wallet) SignTransfer(ctx context.Context, tok tip.Token, recipient string, raw *big.Int) ([]byte, error) {
	signed, err := w.buildTransfer(ctx, tok, recipient, raw)
	if err != nil {
		return nil, err
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return payload, nil
}

func (w *Wallet) buildTransfer(ctx context.Context, tok tip.Token, recipient string, raw *big.Int) (*types.Transaction, error) {
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("invalid transfer amount %s", raw)
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("invalid recipient address %q", recipient)
	}
	if !common.IsHexAddress(tok.Address) {
		return nil, fmt.Errorf("invalid contract address for %s", tok.Symbol)
	}
	contract := common.HexToAddress(tok.Address)

	data, err := w.abi.Pack("transfer", common.HexToAddress(recipient), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer call: %w", err)
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	tipCap, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas tip cap: %w", err)
	}
	head, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain head: %w", err)
	}
	// feeCap = tip + 2 * baseFee gives headroom for two full base-fee bumps.
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &contract,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func (w *Wallet) waitForReceipt(ctx context.Context, hash common.Hash) error {
	deadline := w.clock.Now().Add(receiptTimeout)

	for w.clock.Now().Before(deadline) {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("failed to fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(receiptPollInterval):
		}
	}
	return fmt.Errorf("transaction %s not mined within %s", hash.Hex(), receiptTimeout)
}
