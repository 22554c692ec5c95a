package auth

import (
	"net/http"
	"time"
)

const (
	SessionCookieName = "admin_token"
	CSRFCookieName    = "csrf_token"
	CSRFHeaderName    = "X-CSRF-Token"

	// Both cookies are scoped to the admin namespace.
	adminCookiePath = "/admin"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain string // Empty string = current host only
	Secure bool   // HTTPS only; set in production
}

// SetSessionCookie writes the bearer cookie. It is never readable by scripts
// and is only sent on same-site requests.
func SetSessionCookie(w http.ResponseWriter, token string, maxAge int, config CookieConfig, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     adminCookiePath,
		Domain:   config.Domain,
		Expires:  now.Add(time.Duration(maxAge) * time.Second),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// SetCSRFCookie writes the anti-forgery token where the admin UI's scripts can
// read it and echo it in the X-CSRF-Token header.
func SetCSRFCookie(w http.ResponseWriter, token string, maxAge int, config CookieConfig, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     adminCookiePath,
		Domain:   config.Domain,
		Expires:  now.Add(time.Duration(maxAge) * time.Second),
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   config.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookies expires both admin cookies.
func ClearSessionCookies(w http.ResponseWriter, config CookieConfig) {
	for _, c := range []struct {
		name     string
		httpOnly bool
	}{{SessionCookieName, true}, {CSRFCookieName, false}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     adminCookiePath,
			Domain:   config.Domain,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: c.httpOnly,
			Secure:   config.Secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// SessionTokenFromRequest returns the bearer cookie value, or "" when absent.
func SessionTokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
