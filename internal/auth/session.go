package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/pkg/clock"
)

// SessionStore persists session records. ReplaceForUser must delete the
// user's existing sessions and insert the new one as a single unit.
type SessionStore interface {
	ReplaceForUser(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Extend(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	DeleteByID(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// UserLookup resolves the account behind a session.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

type SessionConfig struct {
	TTL           time.Duration
	RenewalWindow time.Duration
	SecurityLevel models.SecurityLevel
}

// SessionManager issues, validates, renews and revokes admin sessions. Every
// validation consults the store, so a revoked session stops working at once.
type SessionManager struct {
	store  SessionStore
	users  UserLookup
	tokens *SessionTokenManager
	clock  clock.Clock
	cfg    SessionConfig
	logger *slog.Logger
}

func NewSessionManager(store SessionStore, users UserLookup, tokens *SessionTokenManager, clk clock.Clock, cfg SessionConfig, logger *slog.Logger) *SessionManager {
	if cfg.SecurityLevel == "" {
		cfg.SecurityLevel = models.SecurityStandard
	}
	return &SessionManager{
		store:  store,
		users:  users,
		tokens: tokens,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// TTL is the lifetime of a new or renewed session.
func (m *SessionManager) TTL() time.Duration {
	return m.cfg.TTL
}

// now is truncated to whole seconds to match the precision of JWT time claims.
func (m *SessionManager) now() time.Time {
	return m.clock.Now().UTC().Truncate(time.Second)
}

// Create starts a new session for user, replacing any session the user
// already had.
func (m *SessionManager) Create(ctx context.Context, user *models.User, ip, userAgent string) (*models.IssuedSession, error) {
	now := m.now()
	sess := &models.Session{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.cfg.TTL),
		IPAddress:         ip,
		UserAgent:         userAgent,
		DeviceFingerprint: DeviceFingerprint(userAgent),
	}

	token, err := m.tokens.Issue(sess.ID, sess.UserID, sess.DeviceFingerprint, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	sess.TokenHash = HashToken(token)

	if err := m.store.ReplaceForUser(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return &models.IssuedSession{
		Token:   token,
		MaxAge:  int(m.cfg.TTL / time.Second),
		Session: sess,
	}, nil
}

// Validate checks a bearer token presented from ip with userAgent. Expected
// rejections come back as a result with Valid=false and a Reason; an error is
// returned only when the store fails, with Reason set to store_error.
func (m *SessionManager) Validate(ctx context.Context, token, ip, userAgent string) (*models.SessionValidation, error) {
	res := &models.SessionValidation{SecurityLevel: m.cfg.SecurityLevel}
	reject := func(reason models.SessionReason) (*models.SessionValidation, error) {
		res.Reason = reason
		return res, nil
	}

	if token == "" {
		return reject(models.ReasonNoToken)
	}

	claims, err := m.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return reject(models.ReasonExpired)
		}
		return reject(models.ReasonMalformed)
	}

	sess, err := m.store.GetByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return reject(models.ReasonRevoked)
		}
		res.Reason = models.ReasonStoreError
		return res, fmt.Errorf("load session: %w", err)
	}

	// A renewed session has a new hash, which retires the previous token.
	if sess.TokenHash != HashToken(token) {
		return reject(models.ReasonRevoked)
	}
	if sess.UserID != claims.UserID || sess.DeviceFingerprint != claims.DeviceFingerprint {
		return reject(models.ReasonMalformed)
	}

	now := m.clock.Now()
	if !now.Before(sess.ExpiresAt) {
		return reject(models.ReasonExpired)
	}

	if !clientMatches(m.cfg.SecurityLevel, sess, ip, DeviceFingerprint(userAgent)) {
		return reject(models.ReasonIPMismatch)
	}

	user, err := m.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			if delErr := m.store.DeleteByID(ctx, sess.ID); delErr != nil {
				m.logger.Warn("failed to delete orphaned session",
					slog.String("session_id", sess.ID), slog.Any("error", delErr))
			}
			return reject(models.ReasonNotFound)
		}
		res.Reason = models.ReasonStoreError
		return res, fmt.Errorf("load session user: %w", err)
	}

	res.Valid = true
	res.Session = sess
	res.User = user
	res.TimeLeft = sess.ExpiresAt.Sub(now)
	res.NeedsRenewal = res.TimeLeft <= m.cfg.RenewalWindow
	return res, nil
}

// Renew re-signs a valid session with a fresh expiry. The record keeps its id;
// its token hash is replaced, so the old token stops validating. A token that
// does not validate yields an error wrapping models.ErrSessionInvalid.
func (m *SessionManager) Renew(ctx context.Context, token, ip, userAgent string) (*models.IssuedSession, error) {
	v, err := m.Validate(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionInvalid, v.Reason)
	}

	sess := *v.Session
	now := m.now()
	sess.ExpiresAt = now.Add(m.cfg.TTL)

	newToken, err := m.tokens.Issue(sess.ID, sess.UserID, sess.DeviceFingerprint, now, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	sess.TokenHash = HashToken(newToken)

	if err := m.store.Extend(ctx, sess.ID, sess.TokenHash, sess.ExpiresAt); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrSessionInvalid, models.ReasonRevoked)
		}
		return nil, fmt.Errorf("extend session: %w", err)
	}

	return &models.IssuedSession{
		Token:   newToken,
		MaxAge:  int(m.cfg.TTL / time.Second),
		Session: &sess,
	}, nil
}

// Revoke deletes the session a token refers to. Revoking an unknown, already
// revoked or unparseable token is a no-op; only a store failure is an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, err := m.tokens.VerifySignature(token)
	if err != nil {
		return nil
	}
	if err := m.store.DeleteByID(ctx, claims.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RevokeAllForUser deletes every session of the user and reports how many
// were removed.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := m.store.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	return n, nil
}
