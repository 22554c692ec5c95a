package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

func csrfHandler(csrf CSRFValidator) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return RequireCSRF(csrf, logger, pkglogger.NewAuditLogger(logger))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func withSession(req *http.Request, sessionID string) *http.Request {
	a := &models.AuthContext{SessionID: sessionID, UserID: "user-1", IPAddress: "198.51.100.20"}
	return req.WithContext(auth.WithAuthContext(req.Context(), a))
}

func TestRequireCSRF(t *testing.T) {
	csrf := auth.NewCSRFService("0123456789abcdef0123456789abcdef")
	tokenA, err := csrf.GenerateToken("sess-a")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		method  string
		session string
		token   string
		want    int
	}{
		{"safe method needs no token", http.MethodGet, "sess-a", "", http.StatusNoContent},
		{"valid token", http.MethodPost, "sess-a", tokenA, http.StatusNoContent},
		{"missing token", http.MethodPost, "sess-a", "", http.StatusForbidden},
		{"token for another session", http.MethodDelete, "sess-b", tokenA, http.StatusForbidden},
		{"garbage token", http.MethodPut, "sess-a", "not.a-token", http.StatusForbidden},
		{"no session", http.MethodPatch, "", tokenA, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/admin/api/logout", nil)
			if tt.session != "" {
				req = withSession(req, tt.session)
			}
			if tt.token != "" {
				req.Header.Set(auth.CSRFHeaderName, tt.token)
			}
			w := httptest.NewRecorder()

			csrfHandler(csrf).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequireCSRF_IgnoresCookieCopy(t *testing.T) {
	csrf := auth.NewCSRFService("0123456789abcdef0123456789abcdef")
	token, _ := csrf.GenerateToken("sess-a")

	req := withSession(httptest.NewRequest(http.MethodPost, "/admin/api/logout", nil), "sess-a")
	req.AddCookie(&http.Cookie{Name: auth.CSRFCookieName, Value: token})
	w := httptest.NewRecorder()

	csrfHandler(csrf).ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("a cookie alone must not satisfy the check, got %d", w.Code)
	}
}
