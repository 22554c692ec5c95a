package routes_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/handlers"
	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/internal/routes"
	"github.com/safetyworks/sitecore/internal/services"
	"github.com/safetyworks/sitecore/pkg/clock"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubSessions struct{}

func (stubSessions) Validate(_ context.Context, token, _, _ string) (*models.SessionValidation, error) {
	if token != "good" {
		return &models.SessionValidation{Reason: models.ReasonMalformed}, nil
	}
	return &models.SessionValidation{
		Valid:         true,
		Session:       &models.Session{ID: "sess-1", ExpiresAt: testNow.Add(time.Hour)},
		User:          &models.User{ID: "user-1", Username: "editor"},
		SecurityLevel: models.SecurityStandard,
	}, nil
}

type stubCSRF struct{}

func (stubCSRF) GenerateToken(string) (string, error)     { return "csrf", nil }
func (stubCSRF) ValidateToken(_ string, token string) bool { return token == "csrf" }

type stubLimiter struct{}

func (stubLimiter) Apply(context.Context, string, int, string) (*models.RateLimitResult, error) {
	return &models.RateLimitResult{Limit: 100, Remaining: 99, ResetTime: testNow.Add(time.Minute)}, nil
}

type stubAuthService struct {
	logoutCalls int
}

func (s *stubAuthService) Login(context.Context, services.LoginRequest) (*services.LoginResult, error) {
	return nil, &models.LoginError{Kind: models.ErrUnauthorized}
}

func (s *stubAuthService) RenewSession(context.Context, *models.AuthContext, string, string) (*models.IssuedSession, string, error) {
	return nil, "", models.ErrSessionInvalid
}

func (s *stubAuthService) Logout(context.Context, *models.AuthContext, string) error {
	s.logoutCalls++
	return nil
}

func (s *stubAuthService) LogoutAll(context.Context, *models.AuthContext) (int64, error) {
	return 1, nil
}

func newRouter(t *testing.T, svc *stubAuthService, uiDir string, checks ...routes.HealthCheck) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := pkglogger.NewAuditLogger(logger)
	cookies := auth.CookieConfig{}

	return routes.NewRouter(routes.Deps{
		AuthHandler:      handlers.NewAuthHandler(svc, stubCSRF{}, nil, cookies, clock.NewMock(testNow), logger),
		Gate:             auth.NewAdminGate(stubSessions{}, nil, cookies, logger, audit),
		CSRF:             stubCSRF{},
		RateLimiter:      stubLimiter{},
		Env:              "development",
		LoginFloodPerMin: 100,
		AdminUIDir:       uiDir,
		HealthChecks:     checks,
		Logger:           logger,
		AuditLogger:      audit,
	})
}

func do(h http.Handler, method, target string, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func withSession(r *http.Request) {
	r.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "good"})
}

func TestHealth(t *testing.T) {
	h := newRouter(t, &stubAuthService{}, "",
		routes.HealthCheck{Name: "database", Check: func(context.Context) error { return nil }},
		routes.HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("refused") }},
	)

	w := do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","database":"up","redis":"down"}`, w.Body.String())
}

func TestAdminAPI_RequiresSession(t *testing.T) {
	h := newRouter(t, &stubAuthService{}, "")

	w := do(h, http.MethodGet, "/admin/api/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	w = do(h, http.MethodGet, "/admin/api/session", "", withSession)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
}

func TestAdminPage_RedirectsToLogin(t *testing.T) {
	h := newRouter(t, &stubAuthService{}, "")

	w := do(h, http.MethodGet, "/admin/courses", "", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/admin/login?next=%2Fadmin%2Fcourses", w.Header().Get("Location"))
}

func TestLogin_IsReachableWithoutSessionOrCSRF(t *testing.T) {
	h := newRouter(t, &stubAuthService{}, "")

	w := do(h, http.MethodPost, "/admin/api/login", `{"username":"editor","password":"nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid credentials")
}

func TestLogout_RequiresCSRFHeader(t *testing.T) {
	svc := &stubAuthService{}
	h := newRouter(t, svc, "")

	w := do(h, http.MethodPost, "/admin/api/logout", "", withSession)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, svc.logoutCalls)

	w = do(h, http.MethodPost, "/admin/api/logout", "", func(r *http.Request) {
		withSession(r)
		r.Header.Set(auth.CSRFHeaderName, "csrf")
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.logoutCalls)
}

func TestUnknownAPIPath(t *testing.T) {
	h := newRouter(t, &stubAuthService{}, t.TempDir())

	w := do(h, http.MethodGet, "/admin/api/does-not-exist", "", withSession)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestAdminUI_ServesLoginPage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "login.html"), []byte("<form>login</form>"), 0o644))

	h := newRouter(t, &stubAuthService{}, dir)

	w := do(h, http.MethodGet, "/admin/login", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<form>login</form>")
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}
