package models

import "time"

// AttemptCounter tracks failed logins for one key (an account or a client IP).
type AttemptCounter struct {
	Key            string
	Count          int
	FirstFailureAt time.Time
	LockedUntil    *time.Time
	Lockouts       int // lockouts served without an intervening success
	UpdatedAt      time.Time
}

// LockoutStatus is the read view of an AttemptCounter at a point in time.
type LockoutStatus struct {
	Locked         bool
	RemainingTime  time.Duration
	LockoutUntil   *time.Time
	FailedAttempts int
}
