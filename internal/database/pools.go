package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/blocklink/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// blocksSchema creates the table written by the block recorder.
const blocksSchema = `
CREATE TABLE IF NOT EXISTS blocks (
	height      BIGINT      NOT NULL,
	hash        TEXT        NOT NULL,
	endpoint    TEXT        NOT NULL,
	session     UUID        NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (height, hash)
)`

// EnsureSchema creates the tables used by blocklink if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, blocksSchema); err != nil {
		return fmt.Errorf("create blocks table: %w", err)
	}
	return nil
}
