package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

// TOTPRepository stores pending and active second-factor secrets.
type TOTPRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	SetPendingTOTP(ctx context.Context, id string, secret, nonce []byte) error
	GetPendingTOTP(ctx context.Context, id string) (secret, nonce []byte, err error)
	EnableTOTP(ctx context.Context, id string) error
	MarkTOTPUsed(ctx context.Context, id string, step time.Time) (bool, error)
}

// TOTPEnroller creates new authenticator secrets.
type TOTPEnroller interface {
	TOTPVerifier
	Enroll(accountName string) (*auth.TOTPEnrollment, error)
}

// TOTPSetup is shown to the user once, when enrolment starts.
type TOTPSetup struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"`
}

// TOTPService enrols admins in authenticator-app codes. Enrolment is two
// steps: Begin stores a pending secret, Confirm activates it once the user
// proves they can generate codes from it.
type TOTPService struct {
	repo        TOTPRepository
	totp        TOTPEnroller
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewTOTPService(repo TOTPRepository, totp TOTPEnroller, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *TOTPService {
	return &TOTPService{repo: repo, totp: totp, logger: logger, auditLogger: auditLogger}
}

// Begin starts enrolment. A user who already has TOTP enabled must supply a
// current code to replace it.
func (s *TOTPService) Begin(ctx context.Context, a *models.AuthContext, currentCode string) (*TOTPSetup, error) {
	user, err := s.repo.GetByID(ctx, a.UserID)
	if err != nil {
		return nil, err
	}

	if user.HasTOTP() {
		ok, err := s.checkActive(ctx, user, currentCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.ErrForbidden
		}
	}

	e, err := s.totp.Enroll(user.Username)
	if err != nil {
		s.logger.Error("failed to generate totp secret", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if err := s.repo.SetPendingTOTP(ctx, user.ID, e.Encrypted, e.Nonce); err != nil {
		return nil, fmt.Errorf("store pending totp: %w", err)
	}

	return &TOTPSetup{Secret: e.Secret, OTPAuthURL: e.URL, QRCode: e.QRCodeDataURL}, nil
}

// Confirm activates the pending secret if code is valid for it.
func (s *TOTPService) Confirm(ctx context.Context, a *models.AuthContext, code string) error {
	encrypted, nonce, err := s.repo.GetPendingTOTP(ctx, a.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrBadRequest
	}
	if err != nil {
		return err
	}

	secret, err := s.totp.DecryptSecret(encrypted, nonce)
	if err != nil {
		s.logger.Error("failed to decrypt pending totp secret", slog.String("user_id", a.UserID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	step, ok := s.totp.Verify(string(secret), code)
	if !ok {
		return models.ErrBadRequest
	}

	if err := s.repo.EnableTOTP(ctx, a.UserID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrBadRequest
		}
		return err
	}
	// The confirming code must not also work for the next login.
	if _, err := s.repo.MarkTOTPUsed(ctx, a.UserID, step); err != nil {
		s.logger.Warn("failed to record totp step", slog.String("user_id", a.UserID), slog.Any("error", err))
	}

	s.auditLogger.LogAccountAction(ctx, pkglogger.EventTOTPEnrolled, a.UserID, a.IPAddress, nil)
	return nil
}

func (s *TOTPService) checkActive(ctx context.Context, user *models.User, code string) (bool, error) {
	secret, err := s.totp.DecryptSecret(user.TOTPSecretEncrypted, user.TOTPSecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt totp secret", slog.String("user_id", user.ID), slog.Any("error", err))
		return false, models.ErrInternalServer
	}
	step, ok := s.totp.Verify(string(secret), code)
	if !ok {
		return false, nil
	}
	return s.repo.MarkTOTPUsed(ctx, user.ID, step)
}
