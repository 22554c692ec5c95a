package models

import (
	"time"
)

// User is an admin account. Only the login flow mutates LastLoginAt; everything
// else is written by provisioning.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Optional second factor. The secret is AES-256-GCM encrypted at rest.
	TOTPSecretEncrypted []byte
	TOTPSecretNonce     []byte
	TOTPEnabled         bool
	TOTPLastUsedAt      *time.Time
}

// HasTOTP reports whether login requires a one-time code.
func (u *User) HasTOTP() bool {
	return u.TOTPEnabled && len(u.TOTPSecretEncrypted) > 0
}
