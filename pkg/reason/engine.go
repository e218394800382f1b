// Package reason decides TIP or SKIP for one creator. It combines an
// optional reputation score, profile heuristics and a reasoning-oracle call
// into a single verdict with a human-readable justification. Any oracle
// failure fails safe to SKIP; the engine never fails open into a TIP.
package reason

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// InternalErrorReason prefixes the reason attached to a fail-safe SKIP so
// operators can distinguish oracle faults from genuine skip verdicts.
const InternalErrorReason = "internal decision error"

const systemPrompt = `You are the tipping judge for a creator micropayment platform.
You receive one creator's profile signals and must answer with a JSON object
containing exactly two fields: "decision" (either "TIP" or "SKIP") and
"reason" (one sentence). Respond with the JSON object only, no other text.

Policy: be lenient and favor TIP. Only SKIP when the account is both very
new and has very few followers, or when something in the profile looks
suspicious or fraudulent.`

type EngineConfig struct {
	Logger *slog.Logger
	Oracle Oracle
	Clock  clockwork.Clock
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Oracle == nil {
		return errors.New("oracle is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log    *slog.Logger
	oracle Oracle
	clock  clockwork.Clock
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, oracle: cfg.Oracle, clock: cfg.Clock}, nil
}

// oracleVerdict is the required shape of the oracle's response.
type oracleVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Decide evaluates one creator. The oracle is called exactly once; there
// are no retries within a single evaluation.
func (e *Engine) Decide(ctx context.Context, creator tip.Creator, score *float64) (tip.DecisionKind, string) {
	prompt := e.buildPrompt(creator, score)

	raw, err := e.oracle.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		e.log.Warn("reason: oracle unavailable, failing safe to SKIP", "creator", creator.Slug, "error", err)
		return tip.DecisionSkip, fmt.Sprintf("%s: oracle call failed", InternalErrorReason)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		e.log.Warn("reason: unparseable oracle response, failing safe to SKIP", "creator", creator.Slug, "error", err)
		return tip.DecisionSkip, fmt.Sprintf("%s: %s", InternalErrorReason, err)
	}

	switch tip.DecisionKind(strings.ToUpper(verdict.Decision)) {
	case tip.DecisionTip:
		return tip.DecisionTip, verdict.Reason
	case tip.DecisionSkip:
		return tip.DecisionSkip, verdict.Reason
	default:
		e.log.Warn("reason: unknown decision value, failing safe to SKIP", "creator", creator.Slug, "decision", verdict.Decision)
		return tip.DecisionSkip, fmt.Sprintf("%s: unknown decision %q", InternalErrorReason, verdict.Decision)
	}
}

func (e *Engine) buildPrompt(creator tip.Creator, score *float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Creator: %s (@%s)\n", creator.DisplayName, creator.Slug)
	fmt.Fprintf(&b, "Followers: %d\n", creator.FollowerCount)
	fmt.Fprintf(&b, "Account age: %s\n", formatAge(e.clock.Now().Sub(creator.CreatedAt)))
	fmt.Fprintf(&b, "Verified: %t\n", creator.Verified)
	if creator.Bio != "" {
		fmt.Fprintf(&b, "Bio: %s\n", creator.Bio)
	} else {
		b.WriteString("Bio: (empty)\n")
	}
	if score != nil {
		fmt.Fprintf(&b, "Reputation score: %.2f\n", *score)
	} else {
		b.WriteString("Reputation score: unavailable\n")
	}
	return b.String()
}

func formatAge(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days < 1 {
		return "less than a day"
	}
	return fmt.Sprintf("%d days", days)
}

// parseVerdict requires a JSON object with exactly the fields decision and
// reason. Models sometimes wrap the object in a code fence; that wrapping
// is stripped before parsing, but anything else malformed is an error.
func parseVerdict(raw string) (*oracleVerdict, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var v oracleVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("malformed oracle response: %w", err)
	}
	if v.Decision == "" {
		return nil, errors.New("oracle response missing decision field")
	}
	if v.Reason == "" {
		return nil, errors.New("oracle response missing reason field")
	}
	return &v, nil
}
