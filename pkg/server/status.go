package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// StatusResponse is the public health-and-treasury view of the agent.
type StatusResponse struct {
	Wallets     map[tip.Chain]WalletStatus `json:"wallets"`
	SnapshotErr []string                   `json:"snapshotErrors,omitempty"`
	Cumulative  CumulativeStatus           `json:"cumulative"`
	GeneratedAt time.Time                  `json:"generatedAt"`
}

type WalletStatus struct {
	Address  string            `json:"address"`
	Native   string            `json:"native"`
	Stables  map[string]string `json:"stables"`
	Disabled bool              `json:"disabled,omitempty"`
}

type CumulativeStatus struct {
	Decisions int64  `json:"decisions"`
	Tips      int64  `json:"tips"`
	Skips     int64  `json:"skips"`
	USDTipped string `json:"usdTipped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status.get(func() (*StatusResponse, error) {
		return s.buildStatus(r.Context())
	})
	if err != nil {
		s.log.Error("server: status refresh failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// buildStatus walks every chain RPC, so responses are cached for a short
// TTL rather than recomputed per request.
func (s *Server) buildStatus(ctx context.Context) (*StatusResponse, error) {
	stats, err := s.cfg.Ledger.CumulativeStats(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := s.cfg.Balances.Snapshot(ctx)

	resp := &StatusResponse{
		Wallets: make(map[tip.Chain]WalletStatus, len(snapshot.Chains)),
		Cumulative: CumulativeStatus{
			Decisions: stats.Decisions,
			Tips:      stats.Tips,
			Skips:     stats.Skips,
			USDTipped: stats.USDTipped.StringFixed(2),
		},
		GeneratedAt: s.cfg.Clock.Now().UTC(),
	}
	for chain, bal := range snapshot.Chains {
		ws := WalletStatus{
			Address:  bal.Address,
			Native:   bal.Native.String(),
			Stables:  make(map[string]string, len(bal.Stables)),
			Disabled: bal.Disabled,
		}
		for symbol, amount := range bal.Stables {
			ws.Stables[symbol] = amount.String()
		}
		resp.Wallets[chain] = ws
	}
	for _, cerr := range snapshot.Errors {
		resp.SnapshotErr = append(resp.SnapshotErr, fmt.Sprintf("%s: %s", cerr.Chain, cerr.Err))
	}
	return resp, nil
}

// statusCache memoizes the status response for a short TTL so the status
// endpoint never fans out to chain RPCs on every request.
type statusCache struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	ttl       time.Duration
	cached    *StatusResponse
	refreshed time.Time
}

func newStatusCache(clock clockwork.Clock, ttl time.Duration) *statusCache {
	return &statusCache{clock: clock, ttl: ttl}
}

func (c *statusCache) get(refresh func() (*StatusResponse, error)) (*StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.clock.Since(c.refreshed) < c.ttl {
		return c.cached, nil
	}

	resp, err := refresh()
	if err != nil {
		// Serve a stale response over an error when one exists.
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}
	c.cached = resp
	c.refreshed = c.clock.Now()
	return resp, nil
}
