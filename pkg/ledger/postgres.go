package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for goose
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/kudoslabs/kudos/pkg/tip"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// NewPool opens a pgx pool against the given connection string.
func NewPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(log *slog.Logger, connStr string) error {
	log.Info("ledger: running migrations")

	goose.SetBaseFS(embedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("ledger: migrations complete")
	return nil
}

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresStore is the production ledger backed by Postgres.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *PostgresStore) RecordDecision(ctx context.Context, d tip.Decision) error {
	s.log.Debug("ledger: recording decision", "creator", d.CreatorID, "kind", d.Kind)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO decisions (id, creator_id, kind, reason, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.CreatorID, string(d.Kind), d.Reason, d.Score, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordSettlement(ctx context.Context, st tip.Settlement) error {
	s.log.Debug("ledger: recording settlement", "decision", st.DecisionID, "chain", st.Chain, "txRef", st.TxRef)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlements (id, decision_id, chain, amount, tx_ref, status, protocol, agent_initiated, redistributed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ID, st.DecisionID, string(st.Chain), st.Amount, st.TxRef, string(st.Status),
		string(st.Protocol), st.AgentInitiated, st.Redistributed, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSettlementStatus(ctx context.Context, settlementID string, status tip.SettlementStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlements SET status = $2
		WHERE id = $1 AND status = 'pending'`,
		settlementID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE id = $1)`, settlementID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check settlement existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrFinalStatus
	}
	return nil
}

func (s *PostgresStore) SetRedistributed(ctx context.Context, settlementID string, ok bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE settlements SET redistributed = $2 WHERE id = $1`, settlementID, ok)
	if err != nil {
		return fmt.Errorf("failed to update settlement redistribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LatestAgentSettlement(ctx context.Context, creatorID string) (*tip.Settlement, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT s.id, s.decision_id, s.chain, s.amount, s.tx_ref, s.status, s.protocol, s.agent_initiated, s.redistributed, s.created_at
		FROM settlements s
		JOIN decisions d ON d.id = s.decision_id
		WHERE d.creator_id = $1 AND s.agent_initiated AND s.status <> 'failed'
		ORDER BY s.created_at DESC
		LIMIT 1`,
		creatorID,
	)

	var st tip.Settlement
	var chain, status, protocol string
	err := row.Scan(&st.ID, &st.DecisionID, &chain, &st.Amount, &st.TxRef, &status, &protocol, &st.AgentInitiated, &st.Redistributed, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest agent settlement: %w", err)
	}
	st.Chain = tip.Chain(chain)
	st.Status = tip.SettlementStatus(status)
	st.Protocol = tip.Protocol(protocol)
	return &st, nil
}

func (s *PostgresStore) CumulativeStats(ctx context.Context) (tip.CumulativeStats, error) {
	var stats tip.CumulativeStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE kind = 'TIP'),
			count(*) FILTER (WHERE kind = 'SKIP')
		FROM decisions`,
	).Scan(&stats.Decisions, &stats.Tips, &stats.Skips)
	if err != nil {
		return stats, fmt.Errorf("failed to query decision stats: %w", err)
	}

	var usd decimal.NullDecimal
	err = s.pool.QueryRow(ctx, `
		SELECT sum(amount) FROM settlements WHERE status = 'confirmed'`,
	).Scan(&usd)
	if err != nil {
		return stats, fmt.Errorf("failed to query tipped total: %w", err)
	}
	if usd.Valid {
		stats.USDTipped = usd.Decimal
	}
	return stats, nil
}
