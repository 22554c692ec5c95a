package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safetyworks/sitecore/internal/config"
)

const applicationName = "sitecore"

type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// poolConfig turns DatabaseConfig into pgxpool settings. Every connection
// carries a server-side statement_timeout so no query outlives a request.
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod

	params := pc.ConnConfig.RuntimeParams
	params["application_name"] = applicationName
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// NewConnection opens the pool and verifies it with a ping before returning.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("database connection established",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Name),
		slog.Int("max_conns", int(cfg.MaxConns)),
		slog.Duration("statement_timeout", cfg.StatementTimeout),
	)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close logs lifetime pool usage and releases every connection.
func (db *DB) Close() {
	st := db.Pool.Stat()
	db.logger.Info("closing database connection pool",
		slog.Int64("acquires", st.AcquireCount()),
		slog.Int64("waited_acquires", st.EmptyAcquireCount()),
		slog.Duration("acquire_time", st.AcquireDuration()),
	)
	db.Pool.Close()
}

// HealthCheck backs the "database" entry of /health.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
