package database

import (
	"context"
	"embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migrate applies a goose command ("up", "down" or "status") using the embedded
// SQL migrations. goose needs a database/sql handle, so one is opened over the
// pool's connection config for the duration of the call.
func Migrate(ctx context.Context, pool *pgxpool.Pool, command string, verbose bool) error {
	goose.SetBaseFS(migrationsFS)
	if !verbose {
		goose.SetLogger(log.New(nopWriter{}, "", 0))
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	switch command {
	case "up":
		if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := goose.DownContext(ctx, sqlDB, migrationsDir); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "status":
		if err := goose.StatusContext(ctx, sqlDB, migrationsDir); err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	return nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
