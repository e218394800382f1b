package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/kudoslabs/kudos/pkg/agent"
	"github.com/kudoslabs/kudos/pkg/directory"
	"github.com/kudoslabs/kudos/pkg/tip"
	"github.com/kudoslabs/kudos/pkg/wallet"
	"github.com/kudoslabs/kudos/pkg/x402"
)

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	report := s.cfg.Agent.Run(r.Context())

	status := http.StatusOK
	if slices.Contains(report.Errors, agent.ErrRunActive.Error()) {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, report)
}

// paymentReceipt is the success response of the payment resources.
type paymentReceipt struct {
	Transaction       string `json:"transaction"`
	Network           string `json:"network"`
	Payer             string `json:"payer,omitempty"`
	RedistributionTx  string `json:"redistributionTx,omitempty"`
	RedistributionErr string `json:"redistributionErr,omitempty"`
}

// handleCreatorPay serves the per-creator x402 payment resource. Without a
// payment header it answers 402 with machine-readable requirements. With
// one it verifies and settles the payment through the facilitator, then
// forwards the funds from the agent's receiving wallet to the creator.
func (s *Server) handleCreatorPay(w http.ResponseWriter, r *http.Request) {
	chain := tip.Chain(chi.URLParam(r, "chain"))
	wlt, token, ok := s.chainRail(chain)
	if !ok {
		s.writeError(w, http.StatusNotFound, "chain not supported")
		return
	}

	creator, err := s.cfg.Directory.CreatorBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "creator not found")
			return
		}
		s.log.Error("server: creator lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "creator lookup failed")
		return
	}
	recipient := creator.AddressFor(chain)
	if !creator.Verified || recipient == nil {
		s.writeError(w, http.StatusUnprocessableEntity, "creator cannot receive tips on this chain")
		return
	}

	raw, err := token.ToRawUnits(s.cfg.TipAmount)
	if err != nil {
		s.log.Error("server: failed to price payment resource", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to price payment resource")
		return
	}
	requirements := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkName(chain),
		MaxAmountRequired: raw.String(),
		Asset:             token.Address,
		PayTo:             wlt.Address(),
		Resource:          resourceURL(r),
		Description:       "tip for " + creator.DisplayName,
		MaxTimeoutSeconds: 60,
	}

	settled, ok := s.settleInbound(w, r, requirements)
	if !ok {
		return
	}

	receipt := paymentReceipt{
		Transaction: settled.Transaction,
		Network:     settled.Network,
		Payer:       settled.Payer,
	}

	// Funds landed in the agent's receiving wallet; forward them to the
	// creator. A failed hop is surfaced but the settlement stands.
	fwdRef, err := wlt.Transfer(r.Context(), token, *recipient, raw)
	if err != nil {
		s.log.Error("server: redistribution to creator failed",
			"creator", creator.Slug, "chain", chain, "error", err)
		receipt.RedistributionErr = err.Error()
	} else {
		receipt.RedistributionTx = fwdRef
		s.log.Info("server: tip redistributed to creator",
			"creator", creator.Slug, "chain", chain, "txRef", fwdRef)
	}

	s.writeJSON(w, http.StatusOK, receipt)
}

// handleFund serves the wallet funding resource: anyone can pay the agent's
// wallet through the same challenge flow, no redistribution hop.
func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	chain := tip.Chain(chi.URLParam(r, "chain"))
	wlt, token, ok := s.chainRail(chain)
	if !ok {
		s.writeError(w, http.StatusNotFound, "chain not supported")
		return
	}

	raw, err := token.ToRawUnits(s.cfg.TipAmount)
	if err != nil {
		s.log.Error("server: failed to price funding resource", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to price funding resource")
		return
	}
	requirements := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkName(chain),
		MaxAmountRequired: raw.String(),
		Asset:             token.Address,
		PayTo:             wlt.Address(),
		Resource:          resourceURL(r),
		Description:       "fund the tipping agent wallet",
		MaxTimeoutSeconds: 60,
	}

	settled, ok := s.settleInbound(w, r, requirements)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, paymentReceipt{
		Transaction: settled.Transaction,
		Network:     settled.Network,
		Payer:       settled.Payer,
	})
}

// settleInbound implements the resource side of the challenge flow. It
// writes the response on every path except success, where it returns the
// facilitator's settlement for the caller to build a receipt from.
func (s *Server) settleInbound(w http.ResponseWriter, r *http.Request, requirements x402.PaymentRequirements) (*x402.SettleResponse, bool) {
	header := r.Header.Get(x402.PaymentHeader)
	if header == "" {
		s.writeJSON(w, http.StatusPaymentRequired, x402.PaymentRequiredResponse{
			X402Version: x402.Version,
			Accepts:     []x402.PaymentRequirements{requirements},
		})
		return nil, false
	}

	if s.cfg.Facilitator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "payment settlement is not configured")
		return nil, false
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		s.paymentRejected(w, requirements, "payment header is not valid base64")
		return nil, false
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		s.paymentRejected(w, requirements, "payment header is not a valid payload")
		return nil, false
	}
	if payload.Scheme != requirements.Scheme || payload.Network != requirements.Network {
		s.paymentRejected(w, requirements, "payment scheme or network mismatch")
		return nil, false
	}

	if err := s.cfg.Facilitator.Verify(r.Context(), payload, requirements); err != nil {
		s.log.Warn("server: inbound payment verification failed", "resource", requirements.Resource, "error", err)
		s.paymentRejected(w, requirements, err.Error())
		return nil, false
	}
	settled, err := s.cfg.Facilitator.Settle(r.Context(), payload, requirements)
	if err != nil {
		s.log.Warn("server: inbound payment settlement failed", "resource", requirements.Resource, "error", err)
		s.paymentRejected(w, requirements, err.Error())
		return nil, false
	}

	s.log.Info("server: inbound payment settled",
		"resource", requirements.Resource, "network", settled.Network, "txRef", settled.Transaction)
	return settled, true
}

func (s *Server) paymentRejected(w http.ResponseWriter, requirements x402.PaymentRequirements, reason string) {
	s.writeJSON(w, http.StatusPaymentRequired, x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{requirements},
	})
}

func (s *Server) chainRail(chain tip.Chain) (wallet.Wallet, tip.Token, bool) {
	if !chain.Valid() {
		return nil, tip.Token{}, false
	}
	wlt, ok := s.cfg.Wallets[chain]
	if !ok {
		return nil, tip.Token{}, false
	}
	return wlt, s.cfg.Tokens[chain], true
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
