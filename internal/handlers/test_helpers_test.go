package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/handlers"
	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/internal/services"
	"github.com/safetyworks/sitecore/pkg/clock"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// MockAuthService is a function-field implementation of handlers.AuthServiceInterface.
type MockAuthService struct {
	LoginFunc        func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	RenewSessionFunc func(ctx context.Context, a *models.AuthContext, token, userAgent string) (*models.IssuedSession, string, error)
	LogoutFunc       func(ctx context.Context, a *models.AuthContext, token string) error
	LogoutAllFunc    func(ctx context.Context, a *models.AuthContext) (int64, error)
}

func (m *MockAuthService) Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	return m.LoginFunc(ctx, req)
}

func (m *MockAuthService) RenewSession(ctx context.Context, a *models.AuthContext, token, userAgent string) (*models.IssuedSession, string, error) {
	return m.RenewSessionFunc(ctx, a, token, userAgent)
}

func (m *MockAuthService) Logout(ctx context.Context, a *models.AuthContext, token string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, a, token)
}

func (m *MockAuthService) LogoutAll(ctx context.Context, a *models.AuthContext) (int64, error) {
	return m.LogoutAllFunc(ctx, a)
}

// MockCSRF issues a fixed token unless Err is set.
type MockCSRF struct {
	Token string
	Err   error
}

func (m *MockCSRF) GenerateToken(string) (string, error) {
	return m.Token, m.Err
}

// MockTOTPService is a function-field implementation of handlers.TOTPServiceInterface.
type MockTOTPService struct {
	BeginFunc   func(ctx context.Context, a *models.AuthContext, currentCode string) (*services.TOTPSetup, error)
	ConfirmFunc func(ctx context.Context, a *models.AuthContext, code string) error
}

func (m *MockTOTPService) Begin(ctx context.Context, a *models.AuthContext, currentCode string) (*services.TOTPSetup, error) {
	return m.BeginFunc(ctx, a, currentCode)
}

func (m *MockTOTPService) Confirm(ctx context.Context, a *models.AuthContext, code string) error {
	return m.ConfirmFunc(ctx, a, code)
}

func newAuthHandler(svc handlers.AuthServiceInterface, csrf handlers.CSRFTokenIssuer) *handlers.AuthHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return handlers.NewAuthHandler(svc, csrf, nil, auth.CookieConfig{Secure: true}, clock.NewMock(testNow), logger)
}

func testAuthContext() *models.AuthContext {
	return &models.AuthContext{
		SessionID:     "sess-1",
		UserID:        "user-1",
		Username:      "editor",
		Email:         "editor@example.com",
		IPAddress:     "203.0.113.7",
		ExpiresAt:     testNow.Add(90 * time.Minute),
		SecurityLevel: models.SecurityStandard,
	}
}

// NewTestRequest creates an HTTP request with a JSON body.
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:40000"
	return req
}

// WithAuth attaches an authenticated admin to the request.
func WithAuth(req *http.Request, a *models.AuthContext) *http.Request {
	return req.WithContext(auth.WithAuthContext(req.Context(), a))
}

// AssertJSONResponse checks the status and decodes the JSON body into target.
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	if target != nil {
		require.NoError(t, json.NewDecoder(w.Body).Decode(target))
	}
}

// AssertErrorResponse checks the status and machine-readable error code.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	var resp pkghttp.ErrorResponse
	AssertJSONResponse(t, w, expectedStatus, &resp)
	assert.Equal(t, expectedError, resp.Error)
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
