package routes

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/handlers"
	"github.com/safetyworks/sitecore/internal/middleware"
	"github.com/safetyworks/sitecore/internal/models"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

// HealthCheck probes one backing service.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps is everything the router needs. IPFailures and TOTPHandler may be nil.
type Deps struct {
	AuthHandler *handlers.AuthHandler
	TOTPHandler *handlers.TOTPHandler
	Gate        *auth.AdminGate
	CSRF        middleware.CSRFValidator
	RateLimiter middleware.RequestLimiter
	IPFailures  middleware.FailureCounter
	IPConfig    *pkghttp.IPConfig

	Env              string
	LoginFloodPerMin int
	AdminUIDir       string
	HealthChecks     []HealthCheck

	Logger      *slog.Logger
	AuditLogger *pkglogger.AuditLogger
}

// NewRouter builds the HTTP surface. Everything under /admin passes the
// security headers and the admin gate; the gate itself lets the login page
// and login API through.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecureLogger(d.Logger, d.IPConfig))
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/health", healthHandler(d.HealthChecks))

	r.Route(auth.AdminPrefix, func(r chi.Router) {
		r.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: d.Env}))
		r.Use(d.Gate.Middleware)

		r.With(middleware.RateLimitByIP(middleware.FloodGuardConfig{
			RequestsPerMinute: d.LoginFloodPerMin,
			IPConfig:          d.IPConfig,
		})).Post("/api/login", d.AuthHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.ProgressiveRateLimit(d.RateLimiter, d.IPFailures, models.RouteClassAdminAPI, d.IPConfig, d.Logger))
			r.Use(middleware.RequireCSRF(d.CSRF, d.Logger, d.AuditLogger))

			r.Get("/api/session", d.AuthHandler.Session)
			r.Post("/api/session/renew", d.AuthHandler.Renew)
			r.Get("/api/csrf-token", d.AuthHandler.CSRFToken)
			r.Post("/api/logout", d.AuthHandler.Logout)
			r.Post("/api/logout-all", d.AuthHandler.LogoutAll)

			if d.TOTPHandler != nil {
				r.Post("/api/totp/enroll", d.TOTPHandler.Enroll)
				r.Post("/api/totp/confirm", d.TOTPHandler.Confirm)
			}
		})

		r.HandleFunc("/api/*", func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteNotFound(w, "Not found")
		})

		if d.AdminUIDir != "" {
			r.Handle("/*", http.StripPrefix(auth.AdminPrefix, adminUI(d.AdminUIDir)))
		}
	})

	return r
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy"}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				status[c.Name] = "down"
				status["status"] = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.Name] = "up"
		}
		pkghttp.WriteJSON(w, code, status)
	}
}

// adminUI serves the compiled admin pages. Extensionless paths such as
// /login resolve to login.html.
func adminUI(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if p != "/" && path.Ext(p) == "" {
			candidate := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(p, "/")+".html"))
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				r2 := r.Clone(r.Context())
				r2.URL.Path = p + ".html"
				files.ServeHTTP(w, r2)
				return
			}
		}
		files.ServeHTTP(w, r)
	})
}
