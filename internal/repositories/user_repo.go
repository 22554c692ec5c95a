package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safetyworks/sitecore/internal/database"
	"github.com/safetyworks/sitecore/internal/models"
)

const userColumns = `id, username, email, password_hash, last_login_at,
	totp_secret_encrypted, totp_secret_nonce, totp_enabled, totp_last_used_at,
	created_at, updated_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	err := scanner.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.LastLoginAt,
		&user.TOTPSecretEncrypted, &user.TOTPSecretNonce, &user.TOTPEnabled, &user.TOTPLastUsedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

// GetByUsername matches case-insensitively, mirroring the unique index.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, username))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + userColumns

	created, err := scanUserRow(r.pool.QueryRow(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetPendingTOTP stores an encrypted secret awaiting confirmation. It does not
// affect the active second factor until EnableTOTP is called.
func (r *UserRepository) SetPendingTOTP(ctx context.Context, id string, secret, nonce []byte) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET totp_pending_secret = $2, totp_pending_nonce = $3, updated_at = NOW()
		WHERE id = $1`, id, secret, nonce)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepository) GetPendingTOTP(ctx context.Context, id string) (secret, nonce []byte, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT totp_pending_secret, totp_pending_nonce FROM users WHERE id = $1`, id,
	).Scan(&secret, &nonce)
	if err != nil {
		return nil, nil, database.MapPostgresError(err)
	}
	if len(secret) == 0 {
		return nil, nil, models.ErrNotFound
	}
	return secret, nonce, nil
}

// EnableTOTP promotes the pending secret to the active one.
func (r *UserRepository) EnableTOTP(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET totp_secret_encrypted = totp_pending_secret,
		    totp_secret_nonce = totp_pending_nonce,
		    totp_enabled = TRUE,
		    totp_last_used_at = NULL,
		    totp_pending_secret = NULL,
		    totp_pending_nonce = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND totp_pending_secret IS NOT NULL`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkTOTPUsed records the time step of an accepted code. It reports false when
// a code from the same or a later step was already accepted.
func (r *UserRepository) MarkTOTPUsed(ctx context.Context, id string, step time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET totp_last_used_at = $2
		WHERE id = $1 AND (totp_last_used_at IS NULL OR totp_last_used_at < $2)`, id, step)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}
