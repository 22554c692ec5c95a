package models

import "time"

// AuthContext is derived once per request from a validated session and passed
// to admin handlers through the request context.
type AuthContext struct {
	SessionID     string
	UserID        string
	Username      string
	Email         string
	IPAddress     string
	ExpiresAt     time.Time
	SecurityLevel SecurityLevel
}
