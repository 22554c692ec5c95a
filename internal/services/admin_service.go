package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/safetyworks/sitecore/internal/models"
	pkgauth "github.com/safetyworks/sitecore/pkg/auth"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

// AdminUserRepository is what provisioning needs from user storage.
type AdminUserRepository interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
}

// AdminService provisions admin accounts. There is no self-registration;
// accounts are created from the command line.
type AdminService struct {
	repo        AdminUserRepository
	validate    *validator.Validate
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewAdminService(repo AdminUserRepository, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AdminService {
	return &AdminService{repo: repo, validate: validator.New(), logger: logger, auditLogger: auditLogger}
}

// CreateAdmin validates and stores a new admin account. Weak passwords come
// back as *pkgauth.PasswordValidationError.
func (s *AdminService) CreateAdmin(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-64 letters, digits, dots, dashes or underscores", models.ErrBadRequest)
	}
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return nil, fmt.Errorf("%w: invalid email address", models.ErrBadRequest)
	}
	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil, fmt.Errorf("%w: username %q is taken", models.ErrConflict, username)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.Create(ctx, &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("admin account created", slog.String("user_id", user.ID))
	s.auditLogger.LogAccountAction(ctx, pkglogger.EventAdminCreated, user.ID, "", map[string]string{
		"source": "cli",
	})
	return user, nil
}
