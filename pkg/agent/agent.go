// Package agent runs the autonomous tipping loop: snapshot balances, select
// candidates, decide, settle, record, report. Candidates are processed
// strictly sequentially against the run-start balance snapshot; exactly one
// run may be active at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/balances"
	"github.com/kudoslabs/kudos/pkg/ledger"
	"github.com/kudoslabs/kudos/pkg/metrics"
	"github.com/kudoslabs/kudos/pkg/reason"
	"github.com/kudoslabs/kudos/pkg/selector"
	"github.com/kudoslabs/kudos/pkg/settle"
	"github.com/kudoslabs/kudos/pkg/tip"
)

// ErrRunActive is reported when a run is triggered while another is in
// progress.
var ErrRunActive = errors.New("agent: run already in progress")

// ScoreProvider is the optional reputation lookup. A nil provider or a
// failed lookup yields an absent score, never a skipped candidate.
type ScoreProvider interface {
	Score(ctx context.Context, slug string) (*float64, error)
}

type Config struct {
	Logger         *slog.Logger
	Aggregator     *balances.Aggregator
	Selector       *selector.Selector
	Engine         *reason.Engine
	Router         *settle.Router
	Ledger         ledger.Store
	Scores         ScoreProvider // optional
	TipAmount      decimal.Decimal
	MaxTipsPerRun  int
	CandidateDelay time.Duration
	RunTimeout     time.Duration
	Clock          clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Aggregator == nil {
		return errors.New("balance aggregator is required")
	}
	if cfg.Selector == nil {
		return errors.New("candidate selector is required")
	}
	if cfg.Engine == nil {
		return errors.New("decision engine is required")
	}
	if cfg.Router == nil {
		return errors.New("settlement router is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if !cfg.TipAmount.IsPositive() {
		return errors.New("tip amount must be positive")
	}
	if cfg.MaxTipsPerRun <= 0 {
		return errors.New("max tips per run must be positive")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Agent struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
	runMu sync.Mutex
}

func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Agent{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Run executes one agent invocation. It always returns a structured report;
// run-level failures clear Success and populate Errors instead of escaping
// as errors.
func (a *Agent) Run(ctx context.Context) *tip.RunReport {
	report := &tip.RunReport{
		StartedAt:   a.clock.Now(),
		TipsByChain: map[tip.Chain]int{},
		Errors:      []string{},
	}

	if !a.runMu.TryLock() {
		a.log.Warn("agent: run rejected, another run is active")
		report.AddError(ErrRunActive.Error())
		return a.finalize(ctx, report)
	}
	defer a.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()

	a.log.Info("agent: run starting", "tipAmount", a.cfg.TipAmount, "maxTips", a.cfg.MaxTipsPerRun)

	snapshot := a.cfg.Aggregator.Snapshot(ctx)
	report.Wallet = snapshot
	for _, ce := range snapshot.Errors {
		report.AddError(fmt.Sprintf("balance fetch failed on %s: %s", ce.Chain, ce.Err))
	}
	if !snapshot.Usable(a.cfg.TipAmount) {
		a.log.Error("agent: no chain has a usable balance, aborting run")
		report.AddError("no chain has a balance covering the tip amount")
		return a.finalize(ctx, report)
	}

	candidates, cooldownSkips, err := a.cfg.Selector.Select(ctx)
	if err != nil {
		a.log.Error("agent: candidate selection failed", "error", err)
		report.AddError(fmt.Sprintf("candidate selection failed: %s", err))
		return a.finalize(ctx, report)
	}
	if len(candidates) == 0 && len(cooldownSkips) == 0 {
		a.log.Error("agent: directory returned no eligible creators, aborting run")
		report.AddError("no eligible creators in directory")
		return a.finalize(ctx, report)
	}

	report.CreatorsAnalyzed += len(cooldownSkips)
	report.Skips += len(cooldownSkips)
	for _, s := range cooldownSkips {
		report.Decisions = append(report.Decisions, tip.DecisionSummary{
			CreatorSlug: s.Creator.Slug,
			Kind:        tip.DecisionSkip,
			Reason:      s.Decision.Reason,
		})
		metrics.DecisionsTotal.WithLabelValues(string(tip.DecisionSkip)).Inc()
	}

	for i, creator := range candidates {
		if report.TipsCreated >= a.cfg.MaxTipsPerRun {
			break
		}
		if ctx.Err() != nil {
			report.AddError(fmt.Sprintf("run deadline reached after %d candidates", i))
			break
		}
		// Throttle between candidates to respect the score provider's rate
		// limit. A throttle, not a correctness requirement.
		if i > 0 && a.cfg.CandidateDelay > 0 {
			a.clock.Sleep(a.cfg.CandidateDelay)
		}

		a.evaluateCandidate(ctx, creator, snapshot, report)
	}

	report.Success = true
	return a.finalize(ctx, report)
}

func (a *Agent) evaluateCandidate(ctx context.Context, creator tip.Creator, snapshot *tip.WalletSnapshot, report *tip.RunReport) {
	report.CreatorsAnalyzed++

	var score *float64
	if a.cfg.Scores != nil {
		s, err := a.cfg.Scores.Score(ctx, creator.Slug)
		if err != nil {
			a.log.Warn("agent: score lookup failed, continuing without", "creator", creator.Slug, "error", err)
		} else {
			score = s
		}
	}

	kind, why := a.cfg.Engine.Decide(ctx, creator, score)
	decision := tip.Decision{
		ID:        uuid.NewString(),
		CreatorID: creator.ID,
		Kind:      kind,
		Reason:    why,
		Score:     score,
		CreatedAt: a.clock.Now(),
	}
	if err := a.cfg.Ledger.RecordDecision(ctx, decision); err != nil {
		a.log.Error("agent: failed to record decision", "creator", creator.Slug, "error", err)
		report.AddError(fmt.Sprintf("failed to record decision for %s: %s", creator.Slug, err))
		return
	}
	metrics.DecisionsTotal.WithLabelValues(string(kind)).Inc()

	summary := tip.DecisionSummary{CreatorSlug: creator.Slug, Kind: kind, Reason: why}

	if kind == tip.DecisionSkip {
		a.log.Info("agent: skipping creator", "creator", creator.Slug, "reason", why)
		report.Skips++
		report.Decisions = append(report.Decisions, summary)
		return
	}

	a.log.Info("agent: tipping creator", "creator", creator.Slug, "reason", why)

	result, attemptErrs, err := a.cfg.Router.Route(ctx, creator, snapshot, a.cfg.TipAmount)
	for _, ae := range attemptErrs {
		report.AddError(fmt.Sprintf("settlement attempt for %s on %s", creator.Slug, ae.Error()))
		metrics.RecordSettlement(string(ae.Chain), string(ae.Protocol), "failed")
	}
	if err != nil {
		// The TIP decision stands with zero settlements; surfaced as a
		// run-level error rather than silently dropped.
		a.log.Error("agent: tip intended but not settled", "creator", creator.Slug, "error", err)
		report.AddError(fmt.Sprintf("tip for %s not settled: %s", creator.Slug, err))
		report.Decisions = append(report.Decisions, summary)
		return
	}

	settlement := tip.Settlement{
		ID:             uuid.NewString(),
		DecisionID:     decision.ID,
		Chain:          result.Chain,
		Amount:         a.cfg.TipAmount,
		TxRef:          result.TxRef,
		Status:         tip.SettlementPending,
		Protocol:       result.Protocol,
		AgentInitiated: true,
		CreatedAt:      a.clock.Now(),
	}
	if err := a.cfg.Ledger.RecordSettlement(ctx, settlement); err != nil {
		a.log.Error("agent: failed to record settlement", "creator", creator.Slug, "txRef", result.TxRef, "error", err)
		report.AddError(fmt.Sprintf("failed to record settlement for %s: %s", creator.Slug, err))
		return
	}
	if err := a.cfg.Ledger.MarkSettlementStatus(ctx, settlement.ID, tip.SettlementConfirmed); err != nil {
		a.log.Error("agent: failed to confirm settlement", "settlement", settlement.ID, "error", err)
		report.AddError(fmt.Sprintf("failed to confirm settlement for %s: %s", creator.Slug, err))
	}
	// An intermediary hop leaves reconciliation state behind: a failed hop is
	// persisted as redistributed=false so a later pass can retry it.
	if result.Redistributed != nil {
		if err := a.cfg.Ledger.SetRedistributed(ctx, settlement.ID, *result.Redistributed); err != nil {
			a.log.Error("agent: failed to record redistribution outcome", "settlement", settlement.ID, "error", err)
			report.AddError(fmt.Sprintf("failed to record redistribution outcome for %s: %s", creator.Slug, err))
		}
	}
	if result.RedistributionErr != nil {
		report.AddError(fmt.Sprintf("redistribution for %s on %s: %s", creator.Slug, result.Chain, result.RedistributionErr))
	}

	metrics.RecordSettlement(string(result.Chain), string(result.Protocol), "confirmed")
	report.TipsCreated++
	report.TipsByChain[result.Chain]++
	summary.Chain = result.Chain
	summary.TxRef = result.TxRef
	report.Decisions = append(report.Decisions, summary)
}

// finalize stamps the report, attaches cumulative ledger statistics and
// records run metrics. Cumulative stats are a read-only query independent
// of this run's writes; a failure there degrades the report, not the run.
func (a *Agent) finalize(ctx context.Context, report *tip.RunReport) *tip.RunReport {
	report.FinishedAt = a.clock.Now()

	stats, err := a.cfg.Ledger.CumulativeStats(ctx)
	if err != nil {
		a.log.Warn("agent: failed to read cumulative stats", "error", err)
		report.AddError(fmt.Sprintf("cumulative stats unavailable: %s", err))
	} else {
		report.Cumulative = stats
	}

	if report.Wallet != nil {
		report.WalletBalances = map[tip.Chain]string{}
		for chain, bal := range report.Wallet.Chains {
			report.WalletBalances[chain] = bal.SpendableStable().String()
		}
	}

	status := "success"
	if !report.Success {
		status = "failure"
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	a.log.Info("agent: run finished",
		"success", report.Success,
		"creatorsAnalyzed", report.CreatorsAnalyzed,
		"tipsCreated", report.TipsCreated,
		"skips", report.Skips,
		"errors", len(report.Errors),
	)
	return report
}
