package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safetyworks/sitecore/internal/models"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

type contextKey string

const authContextKey contextKey = "admin_auth"

const (
	AdminPrefix     = "/admin"
	AdminAPIPrefix  = "/admin/api"
	LoginPagePath   = "/admin/login"
	LoginAPIPath    = "/admin/api/login"
	HeaderRenew     = "X-Session-Renew"
	HeaderTimeLeft  = "X-Session-Time-Left"
	redirectStatus  = http.StatusSeeOther
	unauthenticated = "Authentication required"
)

// GateOutcome is what the admin gate does with a request.
type GateOutcome string

const (
	GateAllow    GateOutcome = "allow"
	GateRedirect GateOutcome = "redirect" // page request without a usable session
	GateReject   GateOutcome = "reject"   // API request without a usable session
	GateError    GateOutcome = "error"    // session store failure; fail closed
)

// GateDecision is the typed result of running the gate over one request.
type GateDecision struct {
	Outcome      GateOutcome
	Reason       models.SessionReason
	Auth         *models.AuthContext
	ClearCookie  bool
	NeedsRenewal bool
	TimeLeft     time.Duration
	Err          error
}

// SessionValidator is the part of SessionManager the gate depends on.
type SessionValidator interface {
	Validate(ctx context.Context, token, ip, userAgent string) (*models.SessionValidation, error)
}

// AdminGate guards the /admin namespace. Decide is pure with respect to the
// response; Middleware turns a decision into a response.
type AdminGate struct {
	sessions    SessionValidator
	ipConfig    *pkghttp.IPConfig
	cookies     CookieConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewAdminGate(sessions SessionValidator, ipConfig *pkghttp.IPConfig, cookies CookieConfig, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AdminGate {
	return &AdminGate{
		sessions:    sessions,
		ipConfig:    ipConfig,
		cookies:     cookies,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// IsExemptPath reports whether path is one of the two unauthenticated entry
// points into the admin namespace.
func IsExemptPath(path string) bool {
	switch strings.TrimSuffix(path, "/") {
	case LoginPagePath, LoginAPIPath:
		return true
	}
	return false
}

func isAPIPath(path string) bool {
	return path == AdminAPIPrefix || strings.HasPrefix(path, AdminAPIPrefix+"/")
}

// Decide validates the request's session and reports what should happen.
func (g *AdminGate) Decide(r *http.Request) GateDecision {
	if IsExemptPath(r.URL.Path) {
		return GateDecision{Outcome: GateAllow}
	}

	deny := GateRedirect
	if isAPIPath(r.URL.Path) {
		deny = GateReject
	}

	token := SessionTokenFromRequest(r)
	if token == "" {
		return GateDecision{Outcome: deny, Reason: models.ReasonNoToken}
	}

	ip := pkghttp.ExtractClientIP(r, g.ipConfig)
	v, err := g.sessions.Validate(r.Context(), token, ip, r.UserAgent())
	if err != nil {
		return GateDecision{Outcome: GateError, Reason: models.ReasonStoreError, Err: err}
	}
	if !v.Valid {
		return GateDecision{Outcome: deny, Reason: v.Reason, ClearCookie: true}
	}

	return GateDecision{
		Outcome: GateAllow,
		Auth: &models.AuthContext{
			SessionID:     v.Session.ID,
			UserID:        v.User.ID,
			Username:      v.User.Username,
			Email:         v.User.Email,
			IPAddress:     ip,
			ExpiresAt:     v.Session.ExpiresAt,
			SecurityLevel: v.SecurityLevel,
		},
		NeedsRenewal: v.NeedsRenewal,
		TimeLeft:     v.TimeLeft,
	}
}

// Middleware enforces Decide on every request it wraps.
func (g *AdminGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r)

		switch d.Outcome {
		case GateAllow:
			if d.Auth == nil {
				next.ServeHTTP(w, r)
				return
			}
			if d.NeedsRenewal {
				w.Header().Set(HeaderRenew, "true")
				w.Header().Set(HeaderTimeLeft, strconv.Itoa(int(d.TimeLeft/time.Second)))
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), d.Auth)))

		case GateError:
			g.logger.Error("session validation failed",
				slog.String("path", r.URL.Path),
				slog.String("ip", pkghttp.ExtractClientIP(r, g.ipConfig)),
				slog.Any("error", d.Err))
			pkghttp.WriteInternalError(w, "Internal server error")

		default:
			g.reject(w, r, d)
		}
	})
}

func (g *AdminGate) reject(w http.ResponseWriter, r *http.Request, d GateDecision) {
	if d.ClearCookie {
		ClearSessionCookies(w, g.cookies)
		g.auditLogger.LogSessionEvent(r.Context(), pkglogger.AuditEvent{
			EventType:     pkglogger.EventSessionReject,
			IPAddress:     pkghttp.ExtractClientIP(r, g.ipConfig),
			UserAgent:     r.UserAgent(),
			FailureReason: string(d.Reason),
		})
	}

	if d.Outcome == GateReject {
		pkghttp.WriteUnauthorized(w, unauthenticated)
		return
	}
	http.Redirect(w, r, LoginRedirectURL(r), redirectStatus)
}

// LoginRedirectURL points at the login page and remembers where the user was
// going. Only same-origin admin paths are carried in next.
func LoginRedirectURL(r *http.Request) string {
	target := r.URL.Path
	if !strings.HasPrefix(target, AdminPrefix) || strings.HasPrefix(target, "//") {
		return LoginPagePath
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return LoginPagePath + "?next=" + url.QueryEscape(target)
}

func WithAuthContext(ctx context.Context, a *models.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, a)
}

// AuthFromContext returns the AuthContext attached by the gate.
func AuthFromContext(ctx context.Context) (*models.AuthContext, bool) {
	a, ok := ctx.Value(authContextKey).(*models.AuthContext)
	return a, ok && a != nil
}
