// Package x402 implements the client side of the request-for-payment
// protocol: fetching machine-readable payment requirements from a 402
// challenge and settling a signed payment through a third-party
// facilitator. The wire protocol itself is not reimplemented here; these
// are the document shapes it exchanges.
package x402

import (
	"encoding/json"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// Version is the protocol version this client speaks.
const Version = 1

// SchemeExact is the single payment scheme this module speaks: one exact,
// pre-signed transfer per challenge.
const SchemeExact = "exact"

// networkNames maps chains to the network identifiers used in payment
// requirements and payloads.
var networkNames = map[tip.Chain]string{
	tip.ChainSolana: "solana",
	tip.ChainBase:   "base",
	tip.ChainCelo:   "celo",
}

// NetworkName returns the protocol network identifier for a chain.
func NetworkName(c tip.Chain) string {
	return networkNames[c]
}

// PaymentHeader is the request header carrying a base64 payment payload.
const PaymentHeader = "X-Payment"

// PaymentRequirements is the machine-readable challenge document. The
// amounts are raw integer token units; the challenge is authoritative and
// may include facilitator fees on top of the advertised price.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	// FeePayer is the facilitator-controlled account covering network fees,
	// present on fee-abstracted networks.
	FeePayer string `json:"feePayer,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload carries a signed transaction to the facilitator.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// ExactPayload is the scheme=exact payload body: one serialized signed
// transaction, base64.
type ExactPayload struct {
	Transaction string `json:"transaction"`
}

// VerifyRequest is the facilitator /verify and /settle request body.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's verification verdict.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's settlement outcome. Transaction is
// the on-chain reference of the broadcast payment.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}
