package livestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the user store from PostgreSQL.
//
// Expected schema:
//
//	users(id text primary key, display_name text not null, is_presiding boolean not null default false)
type PostgresDirectory struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresDirectory opens a pool for dsn and verifies the connection.
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	d := &PostgresDirectory{pool: pool, timeout: 2 * time.Second}

	pingCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return d, nil
}

func (d *PostgresDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var name string
	err := d.pool.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query display name: %w", err)
	}
	return name, nil
}

func (d *PostgresDirectory) PresidingUserID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var id string
	err := d.pool.QueryRow(ctx, `SELECT id FROM users WHERE is_presiding LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query presiding user: %w", err)
	}
	return id, nil
}

// Close releases the pool.
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}
