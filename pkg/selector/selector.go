// Package selector builds the ordered candidate list for one agent run,
// applying the per-creator cooldown window against the ledger.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kudoslabs/kudos/pkg/directory"
	"github.com/kudoslabs/kudos/pkg/ledger"
	"github.com/kudoslabs/kudos/pkg/tip"
)

type Config struct {
	Logger         *slog.Logger
	Directory      directory.Directory
	Ledger         ledger.Store
	CooldownWindow time.Duration
	Clock          clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.CooldownWindow <= 0 {
		return errors.New("cooldown window must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Selector struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// CooldownSkip pairs a creator excluded by the cooldown window with the
// SKIP decision recorded for them.
type CooldownSkip struct {
	Creator  tip.Creator
	Decision tip.Decision
}

// Select returns tip candidates in directory order (newest registration
// first) and the cooldown SKIP decisions it recorded along the way.
// A creator whose most recent agent-initiated settlement falls inside the
// cooldown window gets an immediate SKIP decision, counted in run decision
// statistics but never against the tip budget. Creators with no wallet
// address on any chain are not tip-eligible and are left out entirely.
func (s *Selector) Select(ctx context.Context) ([]tip.Creator, []CooldownSkip, error) {
	creators, err := s.cfg.Directory.VerifiedCreators(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load creators: %w", err)
	}

	now := s.clock.Now()
	var candidates []tip.Creator
	var skips []CooldownSkip

	for _, creator := range creators {
		if !creator.TipEligible() {
			s.log.Debug("selector: creator has no wallet address, not eligible", "creator", creator.Slug)
			continue
		}

		latest, err := s.cfg.Ledger.LatestAgentSettlement(ctx, creator.ID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, fmt.Errorf("failed to check cooldown for %s: %w", creator.Slug, err)
		}

		if latest != nil && now.Sub(latest.CreatedAt) < s.cfg.CooldownWindow {
			decision := tip.Decision{
				ID:        uuid.NewString(),
				CreatorID: creator.ID,
				Kind:      tip.DecisionSkip,
				Reason:    fmt.Sprintf("cooldown active: last tipped %s ago", now.Sub(latest.CreatedAt).Round(time.Hour)),
				CreatedAt: now,
			}
			if err := s.cfg.Ledger.RecordDecision(ctx, decision); err != nil {
				return nil, nil, fmt.Errorf("failed to record cooldown skip for %s: %w", creator.Slug, err)
			}
			s.log.Info("selector: cooldown active, skipping", "creator", creator.Slug, "lastTip", latest.CreatedAt)
			skips = append(skips, CooldownSkip{Creator: creator, Decision: decision})
			continue
		}

		candidates = append(candidates, creator)
	}

	s.log.Info("selector: candidates selected", "candidates", len(candidates), "cooldownSkips", len(skips))
	return candidates, skips, nil
}
