// Package db implements the PostgreSQL store: API credentials, the
// outbound message queue, the append-only delivery log, and the
// authentication attempt audit trail.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kitemail/kite/config"
	"github.com/kitemail/kite/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database wraps a pgx connection pool.
type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// New connects to PostgreSQL, applies pending migrations and returns the
// store handle.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid database query timeout: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &Database{Pool: pool, queryTimeout: queryTimeout}
	if err := db.migrate(cfg); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Database: connected", "host", cfg.Host, "name", cfg.Name)
	return db, nil
}

// migrate applies embedded schema migrations at startup.
func (db *Database) migrate(cfg config.DatabaseConfig) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	// golang-migrate selects its pgx/v5 driver by URL scheme.
	url := strings.Replace(cfg.URL(), "postgres://", "pgx5://", 1)
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Ping verifies database connectivity for health checks.
func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close releases the connection pool.
func (db *Database) Close() {
	db.Pool.Close()
}

// opCtx derives a per-query timeout context.
func (db *Database) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}
