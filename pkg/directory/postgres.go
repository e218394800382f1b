package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kudoslabs/kudos/pkg/tip"
)

type PostgresDirectoryConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresDirectoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresDirectory reads creators from the shared Postgres database.
type PostgresDirectory struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresDirectory(cfg PostgresDirectoryConfig) (*PostgresDirectory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresDirectory{log: cfg.Logger, pool: cfg.Pool}, nil
}

const creatorColumns = `id, slug, display_name, bio, solana_address, evm_address, verified, follower_count, created_at`

func (d *PostgresDirectory) VerifiedCreators(ctx context.Context) ([]tip.Creator, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+creatorColumns+`
		FROM creators
		WHERE verified
		ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified creators: %w", err)
	}
	defer rows.Close()

	var creators []tip.Creator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		creators = append(creators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read creator rows: %w", err)
	}

	d.log.Debug("directory: loaded verified creators", "count", len(creators))
	return creators, nil
}

func (d *PostgresDirectory) CreatorBySlug(ctx context.Context, slug string) (*tip.Creator, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+creatorColumns+`
		FROM creators
		WHERE slug = $1`,
		slug,
	)
	c, err := scanCreator(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCreator(row pgx.Row) (tip.Creator, error) {
	var c tip.Creator
	err := row.Scan(&c.ID, &c.Slug, &c.DisplayName, &c.Bio, &c.SolanaAddress, &c.EVMAddress, &c.Verified, &c.FollowerCount, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, pgx.ErrNoRows
	}
	if err != nil {
		return c, fmt.Errorf("failed to scan creator: %w", err)
	}
	return c, nil
}
