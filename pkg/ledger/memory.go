package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// MemoryStore is an in-memory ledger with the same append-only semantics as
// the Postgres store. Used in tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	decisions   []tip.Decision
	settlements []tip.Settlement
	creatorByID map[string]string // decision id -> creator id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creatorByID: map[string]string{}}
}

func (m *MemoryStore) RecordDecision(ctx context.Context, d tip.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	m.creatorByID[d.ID] = d.CreatorID
	return nil
}

func (m *MemoryStore) RecordSettlement(ctx context.Context, s tip.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = append(m.settlements, s)
	return nil
}

func (m *MemoryStore) MarkSettlementStatus(ctx context.Context, settlementID string, status tip.SettlementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.settlements {
		if m.settlements[i].ID != settlementID {
			continue
		}
		if m.settlements[i].Status != tip.SettlementPending {
			return ErrFinalStatus
		}
		m.settlements[i].Status = status
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) SetRedistributed(ctx context.Context, settlementID string, ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.settlements {
		if m.settlements[i].ID == settlementID {
			v := ok
			m.settlements[i].Redistributed = &v
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) LatestAgentSettlement(ctx context.Context, creatorID string) (*tip.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []tip.Settlement
	for _, s := range m.settlements {
		if !s.AgentInitiated || s.Status == tip.SettlementFailed {
			continue
		}
		if m.creatorByID[s.DecisionID] == creatorID {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	latest := matches[0]
	return &latest, nil
}

func (m *MemoryStore) CumulativeStats(ctx context.Context) (tip.CumulativeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats tip.CumulativeStats
	for _, d := range m.decisions {
		stats.Decisions++
		switch d.Kind {
		case tip.DecisionTip:
			stats.Tips++
		case tip.DecisionSkip:
			stats.Skips++
		}
	}
	for _, s := range m.settlements {
		if s.Status == tip.SettlementConfirmed {
			stats.USDTipped = stats.USDTipped.Add(s.Amount)
		}
	}
	return stats, nil
}

// Decisions returns a copy of all recorded decisions, newest last.
func (m *MemoryStore) Decisions() []tip.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tip.Decision, len(m.decisions))
	copy(out, m.decisions)
	return out
}

// Settlements returns a copy of all recorded settlements, newest last.
func (m *MemoryStore) Settlements() []tip.Settlement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tip.Settlement, len(m.settlements))
	copy(out, m.settlements)
	return out
}
