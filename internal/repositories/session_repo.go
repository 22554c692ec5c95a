package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/safetyworks/sitecore/internal/database"
	"github.com/safetyworks/sitecore/internal/models"
)

// SessionRepository persists admin session records in PostgreSQL.
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// ReplaceForUser deletes every session of s.UserID and inserts s in the same
// transaction, so a user never holds two live sessions. The user row is locked
// first so concurrent logins for one user replace each other in turn.
func (r *SessionRepository) ReplaceForUser(ctx context.Context, s *models.Session) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, s.UserID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM admin_sessions WHERE user_id = $1`, s.UserID); err != nil {
			return fmt.Errorf("delete prior sessions: %w", err)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO admin_sessions (id, user_id, token_hash, created_at, expires_at, ip_address, user_agent, device_fingerprint)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.ID, s.UserID, s.TokenHash, s.CreatedAt, s.ExpiresAt, s.IPAddress, s.UserAgent, s.DeviceFingerprint,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", database.MapPostgresError(err))
		}
		return nil
	})
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, ip_address, user_agent, device_fingerprint
		FROM admin_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt, &s.IPAddress, &s.UserAgent, &s.DeviceFingerprint)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

// Extend swaps in a re-signed token for an existing session. It returns
// ErrNotFound if the session was revoked in the meantime.
func (r *SessionRepository) Extend(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE admin_sessions SET token_hash = $2, expires_at = $3 WHERE id = $1`,
		id, tokenHash, expiresAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteByID is a no-op when the session does not exist.
func (r *SessionRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM admin_sessions WHERE id = $1`, id)
	return database.MapPostgresError(err)
}

func (r *SessionRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM admin_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM admin_sessions WHERE user_id = $1`, userID).Scan(&n)
	return n, database.MapPostgresError(err)
}

// DeleteExpired removes records whose expiry is at or before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM admin_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
