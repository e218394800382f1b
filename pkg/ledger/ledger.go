// Package ledger is the append-only record of agent decisions and tip
// settlements. Decisions and settlements are never mutated once written,
// with one exception: a settlement's status may transition from pending to
// a terminal state, and only through this package.
package ledger

import (
	"context"
	"errors"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("ledger: not found")

// ErrFinalStatus is returned when a status transition is attempted on a
// settlement that already reached a terminal state.
var ErrFinalStatus = errors.New("ledger: settlement status is final")

// Store is the ledger contract. The agent owns decision creation, the
// settlement orchestrator owns settlement creation; the ledger is the only
// component permitted to finalize a settlement's status.
type Store interface {
	RecordDecision(ctx context.Context, d tip.Decision) error
	RecordSettlement(ctx context.Context, s tip.Settlement) error
	MarkSettlementStatus(ctx context.Context, settlementID string, status tip.SettlementStatus) error
	SetRedistributed(ctx context.Context, settlementID string, ok bool) error

	// LatestAgentSettlement returns the most recent non-failed
	// agent-initiated settlement for the creator, or ErrNotFound.
	LatestAgentSettlement(ctx context.Context, creatorID string) (*tip.Settlement, error)

	// CumulativeStats aggregates all-time decision and tip totals. Read-only
	// and independent of any in-flight run.
	CumulativeStats(ctx context.Context) (tip.CumulativeStats, error)
}
