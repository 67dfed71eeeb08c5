// Package postgres is the PostgreSQL chat.Store built on pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool for dsn and verifies it with a ping.
// SQLAlchemy-style driver suffixes such as "postgresql+asyncpg://" are accepted.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, scheme := range []string{"postgresql", "postgres"} {
		for _, driver := range []string{"+asyncpg", "+pgx", "+psycopg2"} {
			prefix := scheme + driver + "://"
			if strings.HasPrefix(s, prefix) {
				return scheme + "://" + strings.TrimPrefix(s, prefix)
			}
		}
	}
	return s
}
