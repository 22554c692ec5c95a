package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
)

// SessionResponse describes the caller's current session.
type SessionResponse struct {
	User          UserResponse `json:"user"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	TimeLeft      int          `json:"timeLeft"` // seconds
	SecurityLevel string       `json:"securityLevel"`
}

// RenewResponse is returned after a successful renewal.
type RenewResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session handles GET /admin/api/session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	a, ok := auth.AuthFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	left := a.ExpiresAt.Sub(h.clock.Now())
	if left < 0 {
		left = 0
	}
	pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{
		User:          UserResponse{ID: a.UserID, Username: a.Username, Email: a.Email},
		ExpiresAt:     a.ExpiresAt.UTC(),
		TimeLeft:      int(left / time.Second),
		SecurityLevel: string(a.SecurityLevel),
	})
}

// Renew handles POST /admin/api/session/renew. The session keeps its id, so
// the CSRF token is reissued only to refresh its cookie lifetime.
func (h *AuthHandler) Renew(w http.ResponseWriter, r *http.Request) {
	a, ok := auth.AuthFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	issued, csrfToken, err := h.service.RenewSession(r.Context(), a, auth.SessionTokenFromRequest(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, models.ErrSessionInvalid) {
			auth.ClearSessionCookies(w, h.cookies)
			pkghttp.WriteUnauthorized(w, "Authentication required")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	now := h.clock.Now()
	auth.SetSessionCookie(w, issued.Token, issued.MaxAge, h.cookies, now)
	auth.SetCSRFCookie(w, csrfToken, issued.MaxAge, h.cookies, now)
	w.Header().Del(auth.HeaderRenew)
	w.Header().Del(auth.HeaderTimeLeft)

	pkghttp.WriteJSON(w, http.StatusOK, RenewResponse{Success: true, ExpiresAt: issued.Session.ExpiresAt.UTC()})
}

// CSRFToken handles GET /admin/api/csrf-token.
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	a, ok := auth.AuthFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	token, err := h.csrf.GenerateToken(a.SessionID)
	if err != nil {
		h.logger.Error("failed to generate csrf token", slog.String("session_id", a.SessionID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	now := h.clock.Now()
	maxAge := int(a.ExpiresAt.Sub(now) / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	auth.SetCSRFCookie(w, token, maxAge, h.cookies, now)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}
