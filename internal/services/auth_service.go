package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	pkgauth "github.com/safetyworks/sitecore/pkg/auth"
	"github.com/safetyworks/sitecore/pkg/clock"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

const lockoutAlertTimeout = 10 * time.Second

// UserRepository is the user storage the login flow needs.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	MarkTOTPUsed(ctx context.Context, id string, step time.Time) (bool, error)
}

// SessionService creates and ends admin sessions.
type SessionService interface {
	Create(ctx context.Context, user *models.User, ip, userAgent string) (*models.IssuedSession, error)
	Renew(ctx context.Context, token, ip, userAgent string) (*models.IssuedSession, error)
	Revoke(ctx context.Context, token string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// CSRFTokenIssuer mints session-bound CSRF tokens.
type CSRFTokenIssuer interface {
	GenerateToken(sessionID string) (string, error)
}

// TOTPVerifier decrypts stored secrets and checks codes against them.
type TOTPVerifier interface {
	DecryptSecret(ciphertext, nonce []byte) ([]byte, error)
	Verify(secret, code string) (time.Time, bool)
}

// Waiter pads a failed attempt out to a fixed minimum duration.
type Waiter interface {
	WaitFrom(ctx context.Context, start time.Time)
}

// LoginRequest carries one login attempt.
type LoginRequest struct {
	Username  string
	Password  string
	TOTPCode  string
	IPAddress string
	UserAgent string
}

// LoginResult is returned for a successful login.
type LoginResult struct {
	User      *models.User
	Session   *models.IssuedSession
	CSRFToken string
	RateLimit *models.RateLimitResult
}

// AuthServiceDeps groups AuthService collaborators. TOTP, Notifier and Timing
// are optional.
type AuthServiceDeps struct {
	Users          UserRepository
	Sessions       SessionService
	CSRF           CSRFTokenIssuer
	AccountLockout *LockoutTracker
	IPLockout      *LockoutTracker
	RateLimiter    *RateLimitService
	TOTP           TOTPVerifier
	Notifier       LockoutNotifier
	Timing         Waiter
	Clock          clock.Clock
	Logger         *slog.Logger
	AuditLogger    *pkglogger.AuditLogger
}

// AuthService runs the admin login flow and the session operations that
// need auditing.
type AuthService struct {
	users          UserRepository
	sessions       SessionService
	csrf           CSRFTokenIssuer
	accountLockout *LockoutTracker
	ipLockout      *LockoutTracker
	limiter        *RateLimitService
	totp           TOTPVerifier
	notifier       LockoutNotifier
	timing         Waiter
	clock          clock.Clock
	logger         *slog.Logger
	auditLogger    *pkglogger.AuditLogger
}

func NewAuthService(deps AuthServiceDeps) *AuthService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &AuthService{
		users:          deps.Users,
		sessions:       deps.Sessions,
		csrf:           deps.CSRF,
		accountLockout: deps.AccountLockout,
		ipLockout:      deps.IPLockout,
		limiter:        deps.RateLimiter,
		totp:           deps.TOTP,
		notifier:       deps.Notifier,
		timing:         deps.Timing,
		clock:          clk,
		logger:         deps.Logger,
		auditLogger:    deps.AuditLogger,
	}
}

// Login authenticates an admin. Rejections come back as *models.LoginError;
// any other error is an internal failure.
//
// Locks are checked first, then the rate limit, then the credentials. Every
// credential failure produces the same error.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()
	username := strings.TrimSpace(req.Username)

	ipStatus, err := s.ipLockout.Check(ctx, req.IPAddress)
	if err != nil {
		return nil, s.internal("ip lockout check failed", err)
	}
	if ipStatus.Locked {
		s.auditThrottled(ctx, req, "ip_locked")
		return nil, &models.LoginError{Kind: models.ErrIPLocked, LockoutUntil: ipStatus.LockoutUntil, RetryAfter: ipStatus.RemainingTime}
	}

	accountStatus, err := s.accountLockout.Check(ctx, username)
	if err != nil {
		return nil, s.internal("account lockout check failed", err)
	}
	if accountStatus.Locked {
		s.auditThrottled(ctx, req, "account_locked")
		return nil, &models.LoginError{Kind: models.ErrAccountLocked, LockoutUntil: accountStatus.LockoutUntil, RetryAfter: accountStatus.RemainingTime}
	}

	prior := max(ipStatus.FailedAttempts, accountStatus.FailedAttempts)
	rl, err := s.limiter.Apply(ctx, req.IPAddress, prior, models.RouteClassLogin)
	if err != nil {
		return nil, s.internal("rate limit check failed", err)
	}
	if rl.Limited {
		s.auditThrottled(ctx, req, "rate_limited")
		return nil, &models.LoginError{Kind: models.ErrRateLimitExceeded, RetryAfter: rl.RetryAfter, RateLimit: rl}
	}

	user, reason, err := s.verifyCredentials(ctx, username, req.Password, req.TOTPCode)
	if err != nil {
		return nil, s.internal("credential check failed", err)
	}
	if reason != "" {
		if err := s.recordFailure(ctx, req, username, user, reason); err != nil {
			return nil, s.internal("failed to record login failure", err)
		}
		if s.timing != nil {
			s.timing.WaitFrom(ctx, start)
		}
		return nil, &models.LoginError{Kind: models.ErrUnauthorized, RateLimit: rl}
	}

	if err := s.accountLockout.RecordSuccess(ctx, username); err != nil {
		s.logger.Error("failed to reset account counter", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	if err := s.ipLockout.RecordSuccess(ctx, req.IPAddress); err != nil {
		s.logger.Error("failed to reset ip counter", slog.String("ip", req.IPAddress), slog.Any("error", err))
	}

	issued, err := s.sessions.Create(ctx, user, req.IPAddress, req.UserAgent)
	if err != nil {
		return nil, s.internal("failed to create session", err)
	}

	csrfToken, err := s.csrf.GenerateToken(issued.Session.ID)
	if err != nil {
		return nil, s.internal("failed to generate csrf token", err)
	}

	now := s.clock.Now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Error("failed to update last login", slog.String("user_id", user.ID), slog.Any("error", err))
	} else {
		user.LastLoginAt = &now
	}

	s.logger.Info("admin logged in", slog.String("user_id", user.ID))
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventLoginSuccess,
		UserID:    user.ID,
		Username:  user.Username,
		SessionID: issued.Session.ID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})

	return &LoginResult{User: user, Session: issued, CSRFToken: csrfToken, RateLimit: rl}, nil
}

// verifyCredentials returns a non-empty reason when the attempt must be
// rejected. err is reserved for storage and configuration faults.
func (s *AuthService) verifyCredentials(ctx context.Context, username, password, code string) (user *models.User, reason string, err error) {
	if username == "" || password == "" {
		pkgauth.CompareDummy(password)
		return nil, "missing_credentials", nil
	}

	user, err = s.users.GetByUsername(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		pkgauth.CompareDummy(password)
		return nil, "unknown_user", nil
	}
	if err != nil {
		return nil, "", err
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		if !pkgauth.IsMismatch(err) {
			s.logger.Error("stored password hash is unusable", slog.String("user_id", user.ID), slog.Any("error", err))
		}
		return user, "invalid_password", nil
	}

	if !user.HasTOTP() {
		return user, "", nil
	}
	if s.totp == nil {
		return nil, "", auth.ErrTOTPDisabled
	}
	if strings.TrimSpace(code) == "" {
		return user, "totp_required", nil
	}

	secret, err := s.totp.DecryptSecret(user.TOTPSecretEncrypted, user.TOTPSecretNonce)
	if err != nil {
		return nil, "", err
	}
	step, ok := s.totp.Verify(string(secret), code)
	if !ok {
		return user, "invalid_totp", nil
	}
	fresh, err := s.users.MarkTOTPUsed(ctx, user.ID, step)
	if err != nil {
		return nil, "", err
	}
	if !fresh {
		return user, "totp_replayed", nil
	}
	return user, "", nil
}

// recordFailure counts the failure against both the account and the client
// address, then audits it. A new account lockout triggers an alert to the
// account owner when a notifier is configured.
func (s *AuthService) recordFailure(ctx context.Context, req LoginRequest, username string, user *models.User, reason string) error {
	event := pkglogger.AuditEvent{
		EventType:     pkglogger.EventLoginFailed,
		Username:      username,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		FailureReason: reason,
	}
	if user != nil {
		event.UserID = user.ID
	}
	s.auditLogger.LogAuthAttempt(ctx, event)

	ipStatus, ipLocked, err := s.ipLockout.RecordFailure(ctx, req.IPAddress)
	if err != nil {
		return err
	}
	if ipLocked && ipStatus.LockoutUntil != nil {
		s.auditLogger.LogLockout(ctx, s.ipLockout.Scope(), req.IPAddress, ipStatus.FailedAttempts, *ipStatus.LockoutUntil)
	}

	if username == "" {
		return nil
	}
	accountStatus, accountLocked, err := s.accountLockout.RecordFailure(ctx, username)
	if err != nil {
		return err
	}
	if accountLocked && accountStatus.LockoutUntil != nil {
		s.auditLogger.LogLockout(ctx, s.accountLockout.Scope(), pkglogger.MaskIdentifier(username), accountStatus.FailedAttempts, *accountStatus.LockoutUntil)
		if user != nil && s.notifier != nil {
			s.sendLockoutAlert(ctx, user, req.IPAddress, *accountStatus.LockoutUntil)
		}
	}
	return nil
}

func (s *AuthService) sendLockoutAlert(ctx context.Context, user *models.User, ip string, until time.Time) {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockoutAlertTimeout)
	go func() {
		defer cancel()
		if err := s.notifier.SendLockoutAlert(alertCtx, user, ip, until); err != nil {
			s.logger.Warn("lockout alert not delivered", slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}()
}

func (s *AuthService) auditThrottled(ctx context.Context, req LoginRequest, reason string) {
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType:     pkglogger.EventLoginThrottled,
		Username:      strings.TrimSpace(req.Username),
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		FailureReason: reason,
	})
}

func (s *AuthService) internal(msg string, err error) error {
	s.logger.Error(msg, slog.Any("error", err))
	return models.ErrInternalServer
}

// RenewSession extends the session behind token and returns the new token.
// An unusable token yields models.ErrSessionInvalid.
func (s *AuthService) RenewSession(ctx context.Context, a *models.AuthContext, token, userAgent string) (*models.IssuedSession, string, error) {
	issued, err := s.sessions.Renew(ctx, token, a.IPAddress, userAgent)
	if err != nil {
		if errors.Is(err, models.ErrSessionInvalid) {
			return nil, "", models.ErrSessionInvalid
		}
		return nil, "", s.internal("failed to renew session", err)
	}

	csrfToken, err := s.csrf.GenerateToken(issued.Session.ID)
	if err != nil {
		return nil, "", s.internal("failed to generate csrf token", err)
	}

	s.auditLogger.LogSessionEvent(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventSessionRenewed,
		UserID:    a.UserID,
		SessionID: issued.Session.ID,
		IPAddress: a.IPAddress,
		UserAgent: userAgent,
		Success:   true,
	})
	return issued, csrfToken, nil
}

// Logout ends the session behind token. It succeeds for tokens that are
// already invalid.
func (s *AuthService) Logout(ctx context.Context, a *models.AuthContext, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return s.internal("failed to revoke session", err)
	}
	event := pkglogger.AuditEvent{EventType: pkglogger.EventLogout, Success: true}
	if a != nil {
		event.UserID = a.UserID
		event.SessionID = a.SessionID
		event.IPAddress = a.IPAddress
	}
	s.auditLogger.LogSessionEvent(ctx, event)
	return nil
}

// LogoutAll ends every session belonging to the caller.
func (s *AuthService) LogoutAll(ctx context.Context, a *models.AuthContext) (int64, error) {
	n, err := s.sessions.RevokeAllForUser(ctx, a.UserID)
	if err != nil {
		return 0, s.internal("failed to revoke sessions", err)
	}
	s.auditLogger.LogSessionEvent(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventLogoutAll,
		UserID:    a.UserID,
		SessionID: a.SessionID,
		IPAddress: a.IPAddress,
		Success:   true,
		Metadata:  map[string]string{"revoked": strconv.FormatInt(n, 10)},
	})
	return n, nil
}
