package settle

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	kudostesting "github.com/kudoslabs/kudos/pkg/testing"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet/wallettest"
	"github.com/kudoslabs/kudos/pkg/x402"
)

// paymentFixture wires a fake payment resource and facilitator behind a
// RequestForPayment protocol instance.
type paymentFixture struct {
	protocol *RequestForPayment
	wallet   *wallettest.Fake

	requirements x402.PaymentRequirements
	verifyResp   x402.VerifyResponse
	settleResp   x402.SettleResponse

	verifyCalls atomic.Int32
	settleCalls atomic.Int32
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	f := &paymentFixture{
		wallet: &wallettest.Fake{
			ChainVal:      tip.ChainBase,
			AddressVal:    "0xagent",
			TokenBalances: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(5)},
			SignedTx:      []byte("signed-transfer"),
			TransferRef:   "0xforward",
		},
		requirements: x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           "base",
			MaxAmountRequired: "120000", // 0.12 USDC, fee headroom over the 0.10 tip
			Asset:             "0xusdc",
			PayTo:             "0xcreator",
		},
		verifyResp: x402.VerifyResponse{IsValid: true},
		settleResp: x402.SettleResponse{Success: true, Transaction: "0xsettled", Network: "base"},
	}

	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(x402.PaymentRequiredResponse{
			X402Version: x402.Version,
			Accepts:     []x402.PaymentRequirements{f.requirements},
		})
	}))
	t.Cleanup(resource.Close)

	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			f.verifyCalls.Add(1)
			_ = json.NewEncoder(w).Encode(f.verifyResp)
		case "/settle":
			f.settleCalls.Add(1)
			_ = json.NewEncoder(w).Encode(f.settleResp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(facilitator.Close)

	client, err := x402.NewClient(x402.ClientConfig{
		Logger:         kudostesting.NewLogger(),
		FacilitatorURL: facilitator.URL,
	})
	require.NoError(t, err)

	f.protocol, err = NewRequestForPayment(RequestForPaymentConfig{
		Logger: kudostesting.NewLogger(),
		Wallet: f.wallet,
		Client: client,
		ResourceURL: func(creator tip.Creator, chain tip.Chain) string {
			return resource.URL + "/creators/" + creator.Slug + "/pay/" + string(chain)
		},
	})
	require.NoError(t, err)
	return f
}

func paymentRequest() Request {
	return Request{
		Creator:   tip.Creator{Slug: "ada", EVMAddress: routerStrPtr("0xcreator")},
		Recipient: "0xcreator",
		Amount:    decimal.RequireFromString("0.10"),
		Token:     tip.Token{Symbol: "USDC", Chain: tip.ChainBase, Address: "0xusdc", Decimals: 6},
	}
}

func TestKudos_Settle_RequestForPayment(t *testing.T) {
	t.Parallel()

	t.Run("signs the challenge amount and settles through the facilitator", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)

		result, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.NoError(t, err)
		require.Equal(t, "0xsettled", result.TxRef)
		require.Equal(t, tip.ProtocolRequestForPayment, result.Protocol)
		require.Nil(t, result.Redistributed, "no intermediary hop when payTo is the creator")

		signs := f.wallet.SignCalls()
		require.Len(t, signs, 1)
		require.Equal(t, "0xcreator", signs[0].Recipient)
		require.Equal(t, "120000", signs[0].Raw.String(), "the challenge amount is authoritative")

		require.EqualValues(t, 1, f.verifyCalls.Load())
		require.EqualValues(t, 1, f.settleCalls.Load())
		require.Empty(t, f.wallet.TransferCalls(), "facilitator broadcasts, the wallet does not")
	})

	t.Run("verification rejection never reaches settlement", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.verifyResp = x402.VerifyResponse{IsValid: false, InvalidReason: "bad signature"}

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.ErrorIs(t, err, x402.ErrVerificationFailed)
		require.Zero(t, f.settleCalls.Load())
	})

	t.Run("settlement failure after a clean verify is distinct", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.settleResp = x402.SettleResponse{Success: false, ErrorReason: "insufficient payer balance"}

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.ErrorIs(t, err, x402.ErrSettlementFailed)
		require.NotErrorIs(t, err, x402.ErrVerificationFailed)
		require.EqualValues(t, 1, f.verifyCalls.Load())
	})

	t.Run("empty settlement transaction reference is a failure", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.settleResp = x402.SettleResponse{Success: true, Transaction: ""}

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.ErrorIs(t, err, x402.ErrSettlementFailed)
	})

	t.Run("missing challenge amount is a hard error", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.MaxAmountRequired = ""

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.Error(t, err)
		require.Contains(t, err.Error(), "missing the required amount")
		require.Zero(t, f.verifyCalls.Load())
		require.Empty(t, f.wallet.SignCalls())
	})

	t.Run("invalid challenge amount is a hard error", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.MaxAmountRequired = "0.12"

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.Error(t, err)
		require.Zero(t, f.verifyCalls.Load())
	})

	t.Run("challenge past double the tip amount is rejected", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.MaxAmountRequired = "250000" // 0.25, more than 2 x 0.10

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.Error(t, err)
		require.Contains(t, err.Error(), "double")
		require.Empty(t, f.wallet.SignCalls())
	})

	t.Run("challenge asset must match the funding token", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.Asset = "0xdai"

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.Error(t, err)
		require.Contains(t, err.Error(), "does not match the funding token")
		require.Empty(t, f.wallet.SignCalls())
		require.Zero(t, f.verifyCalls.Load())
	})

	t.Run("no matching network in the challenge", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.Network = "solana"

		_, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.Error(t, err)
		require.Contains(t, err.Error(), "no exact-scheme payment")
	})

	t.Run("intermediary payTo triggers the redistribution hop", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.PayTo = "0xintermediary"

		result, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.NoError(t, err)
		require.NotNil(t, result.Redistributed)
		require.True(t, *result.Redistributed)
		require.NoError(t, result.RedistributionErr)

		signs := f.wallet.SignCalls()
		require.Len(t, signs, 1)
		require.Equal(t, "0xintermediary", signs[0].Recipient)

		forwards := f.wallet.TransferCalls()
		require.Len(t, forwards, 1)
		require.Equal(t, "0xcreator", forwards[0].Recipient)
		require.Equal(t, "120000", forwards[0].Raw.String())
	})

	t.Run("a failed redistribution does not fail the settlement", func(t *testing.T) {
		t.Parallel()
		f := newPaymentFixture(t)
		f.requirements.PayTo = "0xintermediary"
		f.wallet.TransferErr = errTransfer

		result, err := f.protocol.Settle(t.Context(), paymentRequest())
		require.NoError(t, err)
		require.Equal(t, "0xsettled", result.TxRef)
		require.NotNil(t, result.Redistributed)
		require.False(t, *result.Redistributed)
		require.ErrorIs(t, result.RedistributionErr, errTransfer)
	})
}

var errTransfer = errors.New("transfer reverted")
