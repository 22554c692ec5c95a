package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/internal/services"
	"github.com/safetyworks/sitecore/pkg/clock"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
)

const invalidCredentials = "Invalid credentials"

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	RenewSession(ctx context.Context, a *models.AuthContext, token, userAgent string) (*models.IssuedSession, string, error)
	Logout(ctx context.Context, a *models.AuthContext, token string) error
	LogoutAll(ctx context.Context, a *models.AuthContext) (int64, error)
}

// CSRFTokenIssuer mints a fresh CSRF token for a session.
type CSRFTokenIssuer interface {
	GenerateToken(sessionID string) (string, error)
}

// AuthHandler serves the admin login and session endpoints.
type AuthHandler struct {
	service  AuthServiceInterface
	csrf     CSRFTokenIssuer
	ipConfig *pkghttp.IPConfig
	cookies  auth.CookieConfig
	clock    clock.Clock
	logger   *slog.Logger
}

func NewAuthHandler(service AuthServiceInterface, csrf CSRFTokenIssuer, ipConfig *pkghttp.IPConfig, cookies auth.CookieConfig, clk clock.Clock, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		csrf:     csrf,
		ipConfig: ipConfig,
		cookies:  cookies,
		clock:    clk,
		logger:   logger,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,maxbytes=72"`
	TOTPCode string `json:"totp_code,omitempty" validate:"omitempty,numeric,len=6"`
}

// UserResponse is the public view of an admin account.
type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginResponse is returned on a successful login.
type LoginResponse struct {
	Success bool         `json:"success"`
	User    UserResponse `json:"user"`
}

func toUserResponse(u *models.User) UserResponse {
	return UserResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}

// Login handles POST /admin/api/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	res, err := h.service.Login(r.Context(), services.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		TOTPCode:  req.TOTPCode,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	now := h.clock.Now()
	auth.SetSessionCookie(w, res.Session.Token, res.Session.MaxAge, h.cookies, now)
	auth.SetCSRFCookie(w, res.CSRFToken, res.Session.MaxAge, h.cookies, now)
	if rl := res.RateLimit; rl != nil {
		pkghttp.SetRateLimitHeaders(w, rl.Limit, rl.Remaining, rl.ResetTime)
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{Success: true, User: toUserResponse(res.User)})
}

func (h *AuthHandler) writeLoginError(w http.ResponseWriter, err error) {
	var le *models.LoginError
	if !errors.As(err, &le) {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if rl := le.RateLimit; rl != nil {
		pkghttp.SetRateLimitHeaders(w, rl.Limit, rl.Remaining, rl.ResetTime)
	}

	switch {
	case errors.Is(le, models.ErrAccountLocked):
		pkghttp.WriteThrottled(w, "account_locked",
			"Too many failed login attempts. Please try again later.", le.LockoutUntil, le.RetryAfter)
	case errors.Is(le, models.ErrIPLocked):
		pkghttp.WriteThrottled(w, "ip_locked",
			"Too many failed login attempts from this address. Please try again later.", le.LockoutUntil, le.RetryAfter)
	case errors.Is(le, models.ErrRateLimitExceeded):
		pkghttp.WriteThrottled(w, "rate_limit_exceeded",
			"Too many login attempts. Please slow down.", nil, le.RetryAfter)
	default:
		pkghttp.WriteUnauthorized(w, invalidCredentials)
	}
}

// Logout handles POST /admin/api/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	a, _ := auth.AuthFromContext(r.Context())
	if err := h.service.Logout(r.Context(), a, auth.SessionTokenFromRequest(r)); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	auth.ClearSessionCookies(w, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// LogoutAll handles POST /admin/api/logout-all.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	a, ok := auth.AuthFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	n, err := h.service.LogoutAll(r.Context(), a)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	auth.ClearSessionCookies(w, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": n})
}
