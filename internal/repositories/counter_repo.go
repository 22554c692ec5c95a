package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/safetyworks/sitecore/internal/database"
	"github.com/safetyworks/sitecore/internal/models"
)

// AttemptCounterRepository stores lockout counters in PostgreSQL. Updates take
// a row lock so concurrent failures on the same key are serialised.
type AttemptCounterRepository struct {
	db *database.DB
}

func NewAttemptCounterRepository(db *database.DB) *AttemptCounterRepository {
	return &AttemptCounterRepository{db: db}
}

const counterSelect = `SELECT key, count, first_failure_at, locked_until, lockouts, updated_at
	FROM attempt_counters WHERE key = $1`

func scanCounter(row pgx.Row) (*models.AttemptCounter, error) {
	var (
		c     models.AttemptCounter
		first *time.Time
	)
	if err := row.Scan(&c.Key, &c.Count, &first, &c.LockedUntil, &c.Lockouts, &c.UpdatedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	if first != nil {
		c.FirstFailureAt = *first
	}
	return &c, nil
}

// Get returns the counter for key, or ErrNotFound if none exists.
func (r *AttemptCounterRepository) Get(ctx context.Context, key string) (*models.AttemptCounter, error) {
	return scanCounter(r.db.Pool.QueryRow(ctx, counterSelect, key))
}

// Update applies fn to the current counter (a zero counter if the key is new)
// and persists the result, all under a row lock.
func (r *AttemptCounterRepository) Update(ctx context.Context, key string, fn func(*models.AttemptCounter) error) (*models.AttemptCounter, error) {
	var out *models.AttemptCounter
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO attempt_counters (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key); err != nil {
			return fmt.Errorf("ensure counter row: %w", err)
		}

		c, err := scanCounter(tx.QueryRow(ctx, counterSelect+` FOR UPDATE`, key))
		if err != nil {
			return fmt.Errorf("lock counter row: %w", err)
		}

		if err := fn(c); err != nil {
			return err
		}

		var first *time.Time
		if !c.FirstFailureAt.IsZero() {
			first = &c.FirstFailureAt
		}
		_, err = tx.Exec(ctx, `
			UPDATE attempt_counters
			SET count = $2, first_failure_at = $3, locked_until = $4, lockouts = $5, updated_at = $6
			WHERE key = $1`,
			key, c.Count, first, c.LockedUntil, c.Lockouts, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write counter row: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset deletes the counters for all given keys. Missing keys are ignored.
func (r *AttemptCounterRepository) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM attempt_counters WHERE key = ANY($1)`, pq.Array(keys))
	return database.MapPostgresError(err)
}

// DeleteStale removes counters that are not locked and were last touched
// before the cutoff.
func (r *AttemptCounterRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM attempt_counters
		WHERE updated_at < $1 AND (locked_until IS NULL OR locked_until < $1)`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// RateWindowRepository keeps fixed-window request counters in PostgreSQL.
type RateWindowRepository struct {
	db *database.DB
}

func NewRateWindowRepository(db *database.DB) *RateWindowRepository {
	return &RateWindowRepository{db: db}
}

// Increment counts one request against key. A window that started at or
// before now-window is restarted at now with a count of one. The whole
// operation is a single statement and therefore atomic per key.
func (r *RateWindowRepository) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (*models.RateWindow, error) {
	w := models.RateWindow{Key: key}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows AS w (key, count, window_start)
		VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN w.window_start <= $3 THEN 1 ELSE w.count + 1 END,
			window_start = CASE WHEN w.window_start <= $3 THEN $2 ELSE w.window_start END
		RETURNING count, window_start`,
		key, now, now.Add(-window),
	).Scan(&w.Count, &w.WindowStart)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &w, nil
}

func (r *RateWindowRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
