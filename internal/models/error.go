package models

import (
	"errors"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Throttling errors
	ErrAccountLocked     = errors.New("account is temporarily locked")
	ErrIPLocked          = errors.New("client address is temporarily locked")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Session errors
	ErrSessionInvalid = errors.New("session is invalid")
)

// LoginError describes a rejected login attempt. Kind is one of the sentinel
// errors above; the remaining fields feed the 429 response and rate-limit headers.
type LoginError struct {
	Kind         error
	LockoutUntil *time.Time
	RetryAfter   time.Duration
	RateLimit    *RateLimitResult
}

func (e *LoginError) Error() string {
	return "login rejected: " + e.Kind.Error()
}

func (e *LoginError) Unwrap() error {
	return e.Kind
}
