package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the server-side record behind an admin_token cookie. TokenHash is
// the SHA-256 of the signed token, so the bearer value cannot be rebuilt from
// the row alone.
type Session struct {
	ID                string
	UserID            string
	TokenHash         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// SessionClaims are the signed contents of an admin session token.
type SessionClaims struct {
	UserID            string `json:"uid"`
	DeviceFingerprint string `json:"dfp"`
	jwt.RegisteredClaims
}

// SessionReason is the machine-readable outcome of a failed validation.
type SessionReason string

const (
	ReasonNone       SessionReason = ""
	ReasonNoToken    SessionReason = "no_token"
	ReasonMalformed  SessionReason = "malformed"
	ReasonExpired    SessionReason = "expired"
	ReasonNotFound   SessionReason = "not_found"
	ReasonIPMismatch SessionReason = "ip_mismatch"
	ReasonRevoked    SessionReason = "revoked"
	ReasonStoreError SessionReason = "store_error"
)

// SecurityLevel controls how tightly a session is bound to the client that
// created it.
type SecurityLevel string

const (
	// SecurityStrict requires the exact IP address and device.
	SecurityStrict SecurityLevel = "strict"
	// SecurityStandard requires the same device and network prefix.
	SecurityStandard SecurityLevel = "standard"
	// SecurityRelaxed performs no client binding checks.
	SecurityRelaxed SecurityLevel = "relaxed"
)

// ParseSecurityLevel maps a config value to a level, defaulting to standard.
func ParseSecurityLevel(s string) SecurityLevel {
	switch SecurityLevel(s) {
	case SecurityStrict, SecurityRelaxed:
		return SecurityLevel(s)
	default:
		return SecurityStandard
	}
}

// SessionValidation is the structured result of validating a session token.
// Expected failures are reported here and never as errors.
type SessionValidation struct {
	Valid         bool
	Session       *Session
	User          *User
	Reason        SessionReason
	NeedsRenewal  bool
	TimeLeft      time.Duration
	SecurityLevel SecurityLevel
}

// IssuedSession is returned when a session is created or renewed.
type IssuedSession struct {
	Token   string
	MaxAge  int // seconds
	Session *Session
}
