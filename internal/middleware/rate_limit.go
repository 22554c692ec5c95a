package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/safetyworks/sitecore/internal/models"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
)

// FloodGuardConfig configures the coarse in-process limiter placed in front
// of the login endpoint.
type FloodGuardConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// RateLimitByIP caps raw request volume per client address before any
// storage is touched. It keys on the same client address as the rest of the
// admin stack, so forwarded headers are honoured only from trusted proxies.
func RateLimitByIP(config FloodGuardConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteThrottled(w, "rate_limit_exceeded", "Too many requests", nil, time.Minute)
		}),
	)
}

// RequestLimiter is the progressive per-IP limiter.
type RequestLimiter interface {
	Apply(ctx context.Context, ip string, priorFailures int, class string) (*models.RateLimitResult, error)
}

// FailureCounter reports how many recent login failures a client address has.
type FailureCounter interface {
	Check(ctx context.Context, subject string) (models.LockoutStatus, error)
}

// ProgressiveRateLimit applies class limits per client address, tightened by
// that address's recent login failures. Store errors fail closed.
func ProgressiveRateLimit(limiter RequestLimiter, failures FailureCounter, class string, ipConfig *pkghttp.IPConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := pkghttp.ExtractClientIP(r, ipConfig)

			prior := 0
			if failures != nil {
				st, err := failures.Check(r.Context(), ip)
				if err != nil {
					logger.Error("failed to read client failure count", slog.String("ip", ip), slog.Any("error", err))
					pkghttp.WriteInternalError(w, "Internal server error")
					return
				}
				prior = st.FailedAttempts
			}

			res, err := limiter.Apply(r.Context(), ip, prior, class)
			if err != nil {
				logger.Error("rate limiter unavailable", slog.String("class", class), slog.Any("error", err))
				pkghttp.WriteInternalError(w, "Internal server error")
				return
			}

			pkghttp.SetRateLimitHeaders(w, res.Limit, res.Remaining, res.ResetTime)
			if res.Limited {
				pkghttp.WriteThrottled(w, "rate_limit_exceeded", "Too many requests", nil, res.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
