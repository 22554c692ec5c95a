package middleware

import "net/http"

// SecurityHeadersConfig holds security headers configuration
type SecurityHeadersConfig struct {
	Env string
}

const (
	productionCSP = "default-src 'self'; " +
		"script-src 'self'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: https:; " +
		"font-src 'self'; " +
		"connect-src 'self'; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"

	// The admin UI dev server needs inline scripts, eval and websockets for
	// hot reload.
	developmentCSP = "default-src 'self' http: https: ws:; " +
		"script-src 'self' 'unsafe-inline' 'unsafe-eval' http: https: ws:; " +
		"style-src 'self' 'unsafe-inline' http: https:; " +
		"img-src 'self' data: https: http:; " +
		"font-src 'self' data: http: https:; " +
		"connect-src 'self' http: https: ws: wss:; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"
)

// SecurityHeaders hardens every response in the admin namespace. Admin pages
// are never cacheable and never frameable.
func SecurityHeaders(config SecurityHeadersConfig) func(http.Handler) http.Handler {
	production := config.Env == "production"
	csp := developmentCSP
	if production {
		csp = productionCSP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", csp)
			h.Set("Cache-Control", "no-store")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Permissions-Policy",
				"accelerometer=(), camera=(), geolocation=(), gyroscope=(), "+
					"magnetometer=(), microphone=(), payment=(), usb=()")

			// HSTS only when the request actually arrived over TLS.
			if production && (r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https") {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
