package models

import "time"

// Route classes for progressive rate limiting.
const (
	RouteClassLogin    = "login"
	RouteClassAdminAPI = "admin_api"
)

// RateWindow is the state of one fixed-window counter after an increment.
type RateWindow struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// RateLimitResult is what the progressive limiter reports for one request.
type RateLimitResult struct {
	Limited    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}
