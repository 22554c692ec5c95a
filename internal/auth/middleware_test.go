package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

type mockValidator struct {
	ValidateFunc func(ctx context.Context, token, ip, userAgent string) (*models.SessionValidation, error)
	calls        int
}

func (m *mockValidator) Validate(ctx context.Context, token, ip, userAgent string) (*models.SessionValidation, error) {
	m.calls++
	return m.ValidateFunc(ctx, token, ip, userAgent)
}

func validSession(timeLeft time.Duration, renew bool) *models.SessionValidation {
	return &models.SessionValidation{
		Valid:         true,
		Session:       &models.Session{ID: "sess-1", UserID: "user-1", ExpiresAt: testStart.Add(timeLeft)},
		User:          &models.User{ID: "user-1", Username: "admin", Email: "admin@example.com"},
		TimeLeft:      timeLeft,
		NeedsRenewal:  renew,
		SecurityLevel: models.SecurityStandard,
	}
}

func newGate(v auth.SessionValidator) *auth.AdminGate {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return auth.NewAdminGate(v, nil, auth.CookieConfig{}, logger, pkglogger.NewAuditLogger(logger))
}

func requestWithCookie(method, target, token string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = testIP + ":40000"
	req.Header.Set("User-Agent", testUA)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: token})
	}
	return req
}

func TestAdminGate_Decide(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		token       string
		result      *models.SessionValidation
		err         error
		wantOutcome auth.GateOutcome
		wantReason  models.SessionReason
		wantClear   bool
	}{
		{name: "login page exempt", target: "/admin/login", wantOutcome: auth.GateAllow},
		{name: "login endpoint exempt", target: "/admin/api/login", wantOutcome: auth.GateAllow},
		{name: "page without cookie", target: "/admin/courses", wantOutcome: auth.GateRedirect, wantReason: models.ReasonNoToken},
		{name: "api without cookie", target: "/admin/api/session", wantOutcome: auth.GateReject, wantReason: models.ReasonNoToken},
		{
			name: "page with expired session", target: "/admin", token: "tok",
			result:      &models.SessionValidation{Reason: models.ReasonExpired},
			wantOutcome: auth.GateRedirect, wantReason: models.ReasonExpired, wantClear: true,
		},
		{
			name: "api with revoked session", target: "/admin/api/courses", token: "tok",
			result:      &models.SessionValidation{Reason: models.ReasonRevoked},
			wantOutcome: auth.GateReject, wantReason: models.ReasonRevoked, wantClear: true,
		},
		{
			name: "store failure", target: "/admin", token: "tok",
			result:      &models.SessionValidation{Reason: models.ReasonStoreError},
			err:         errors.New("db down"),
			wantOutcome: auth.GateError, wantReason: models.ReasonStoreError,
		},
		{name: "valid", target: "/admin", token: "tok", result: validSession(time.Hour, false), wantOutcome: auth.GateAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockValidator{ValidateFunc: func(context.Context, string, string, string) (*models.SessionValidation, error) {
				return tt.result, tt.err
			}}
			d := newGate(v).Decide(requestWithCookie(http.MethodGet, tt.target, tt.token))

			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantClear, d.ClearCookie)
		})
	}
}

func TestAdminGate_ExemptPathNeverValidates(t *testing.T) {
	v := &mockValidator{}
	d := newGate(v).Decide(requestWithCookie(http.MethodPost, "/admin/api/login", "stale"))

	assert.Equal(t, auth.GateAllow, d.Outcome)
	assert.Nil(t, d.Auth)
	assert.Equal(t, 0, v.calls)
}

func TestAdminGate_Middleware_RedirectsPageWithoutCookie(t *testing.T) {
	gate := newGate(&mockValidator{})
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("next must not run") })

	rec := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(rec, requestWithCookie(http.MethodGet, "/admin/courses?page=2", ""))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/login?next=%2Fadmin%2Fcourses%3Fpage%3D2", rec.Header().Get("Location"))
	assert.Empty(t, rec.Result().Cookies(), "no session-bearing headers for an anonymous request")
}

func TestAdminGate_Middleware_InvalidSessionClearsCookie(t *testing.T) {
	gate := newGate(&mockValidator{ValidateFunc: func(context.Context, string, string, string) (*models.SessionValidation, error) {
		return &models.SessionValidation{Reason: models.ReasonIPMismatch}, nil
	}})
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("next must not run") })

	rec := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(rec, requestWithCookie(http.MethodGet, "/admin/api/session", "tok"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized","message":"Authentication required"}`, rec.Body.String())

	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			cleared = c.MaxAge < 0 && c.Value == ""
		}
	}
	assert.True(t, cleared, "stale admin_token must be deleted")
}

func TestAdminGate_Middleware_StoreErrorFailsClosed(t *testing.T) {
	gate := newGate(&mockValidator{ValidateFunc: func(context.Context, string, string, string) (*models.SessionValidation, error) {
		return &models.SessionValidation{Reason: models.ReasonStoreError}, errors.New("connection reset")
	}})
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("next must not run") })

	rec := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(rec, requestWithCookie(http.MethodGet, "/admin", "tok"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestAdminGate_Middleware_ValidAttachesAuthContext(t *testing.T) {
	gate := newGate(&mockValidator{ValidateFunc: func(context.Context, string, string, string) (*models.SessionValidation, error) {
		return validSession(10*time.Minute, true), nil
	}})

	var got *models.AuthContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := auth.AuthFromContext(r.Context())
		require.True(t, ok)
		got = a
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(rec, requestWithCookie(http.MethodGet, "/admin/api/session", "tok"))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, testIP, got.IPAddress)
	assert.Equal(t, "true", rec.Header().Get(auth.HeaderRenew))
	assert.Equal(t, "600", rec.Header().Get(auth.HeaderTimeLeft))
}

func TestAdminGate_Middleware_NoRenewalHeadersWhenFresh(t *testing.T) {
	gate := newGate(&mockValidator{ValidateFunc: func(context.Context, string, string, string) (*models.SessionValidation, error) {
		return validSession(time.Hour, false), nil
	}})
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(rec, requestWithCookie(http.MethodGet, "/admin", "tok"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(auth.HeaderRenew))
}

func TestLoginRedirectURL_OnlyAdminTargets(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/team", nil)
	assert.Equal(t, "/admin/login?next=%2Fadmin%2Fteam", auth.LoginRedirectURL(req))

	req = httptest.NewRequest(http.MethodGet, "/elsewhere", nil)
	assert.Equal(t, "/admin/login", auth.LoginRedirectURL(req))
}
