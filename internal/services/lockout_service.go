package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/pkg/clock"
)

// Lockout scopes. The scope doubles as the counter key prefix.
const (
	ScopeAccount = "account"
	ScopeIP      = "ip"
)

// AttemptCounterStore persists failure counters. Update must apply fn
// atomically with respect to other updates of the same key.
type AttemptCounterStore interface {
	Get(ctx context.Context, key string) (*models.AttemptCounter, error)
	Update(ctx context.Context, key string, fn func(*models.AttemptCounter) error) (*models.AttemptCounter, error)
	Reset(ctx context.Context, keys ...string) error
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// LockoutConfig holds the lockout policy shared by both scopes.
type LockoutConfig struct {
	Threshold     int
	BaseDuration  time.Duration
	MaxDuration   time.Duration
	FailureWindow time.Duration
	OffenseMemory time.Duration
}

// LockoutTracker counts failed logins for one scope and locks a subject out
// once it reaches the threshold. Repeat lockouts double in length up to
// MaxDuration.
type LockoutTracker struct {
	scope  string
	store  AttemptCounterStore
	config LockoutConfig
	clock  clock.Clock
	logger *slog.Logger
}

func NewLockoutTracker(scope string, store AttemptCounterStore, config LockoutConfig, clk clock.Clock, logger *slog.Logger) *LockoutTracker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.BaseDuration <= 0 {
		config.BaseDuration = 15 * time.Minute
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 15 * time.Minute
	}
	if config.MaxDuration < config.BaseDuration {
		config.MaxDuration = config.BaseDuration
	}
	return &LockoutTracker{
		scope:  scope,
		store:  store,
		config: config,
		clock:  clk,
		logger: logger,
	}
}

func (t *LockoutTracker) Scope() string {
	return t.scope
}

// Key is the storage key for subject. Account names are case-insensitive.
func (t *LockoutTracker) Key(subject string) string {
	return t.scope + ":" + strings.ToLower(strings.TrimSpace(subject))
}

// Check reports the subject's current lockout state without changing it.
func (t *LockoutTracker) Check(ctx context.Context, subject string) (models.LockoutStatus, error) {
	c, err := t.store.Get(ctx, t.Key(subject))
	if errors.Is(err, models.ErrNotFound) {
		return models.LockoutStatus{}, nil
	}
	if err != nil {
		return models.LockoutStatus{}, fmt.Errorf("failed to read %s lockout: %w", t.scope, err)
	}
	return t.status(c, t.clock.Now()), nil
}

// RecordFailure counts one failed attempt. newlyLocked is true only for the
// failure that started a lockout.
func (t *LockoutTracker) RecordFailure(ctx context.Context, subject string) (status models.LockoutStatus, newlyLocked bool, err error) {
	now := t.clock.Now()

	c, err := t.store.Update(ctx, t.Key(subject), func(c *models.AttemptCounter) error {
		newlyLocked = t.apply(c, now)
		return nil
	})
	if err != nil {
		return models.LockoutStatus{}, false, fmt.Errorf("failed to record %s failure: %w", t.scope, err)
	}
	status = t.status(c, now)
	return status, newlyLocked && status.Locked, nil
}

// RecordSuccess clears the subject's counter and any lockout.
func (t *LockoutTracker) RecordSuccess(ctx context.Context, subject string) error {
	if err := t.store.Reset(ctx, t.Key(subject)); err != nil {
		return fmt.Errorf("failed to reset %s counter: %w", t.scope, err)
	}
	return nil
}

// apply mutates c for one failure at now and reports whether it locked.
func (t *LockoutTracker) apply(c *models.AttemptCounter, now time.Time) bool {
	defer func() { c.UpdatedAt = now }()

	if c.LockedUntil != nil {
		if now.Before(*c.LockedUntil) {
			// Failures during a lockout are counted but never extend it.
			c.Count++
			return false
		}
		c.Count = 0
		c.FirstFailureAt = time.Time{}
		c.LockedUntil = nil
	}

	if c.Lockouts > 0 && !c.UpdatedAt.IsZero() && now.Sub(c.UpdatedAt) >= t.config.OffenseMemory {
		c.Lockouts = 0
	}

	if c.Count > 0 && !now.Before(c.FirstFailureAt.Add(t.config.FailureWindow)) {
		c.Count = 0
	}
	if c.Count == 0 {
		c.FirstFailureAt = now
	}
	c.Count++

	if c.Count < t.config.Threshold {
		return false
	}
	c.Lockouts++
	until := now.Add(t.Backoff(c.Lockouts))
	c.LockedUntil = &until
	return true
}

// Backoff is the length of the nth lockout: BaseDuration doubled for every
// earlier lockout, capped at MaxDuration.
func (t *LockoutTracker) Backoff(n int) time.Duration {
	d := t.config.BaseDuration
	for i := 1; i < n; i++ {
		d *= 2
		if d >= t.config.MaxDuration {
			return t.config.MaxDuration
		}
	}
	if d > t.config.MaxDuration {
		return t.config.MaxDuration
	}
	return d
}

func (t *LockoutTracker) status(c *models.AttemptCounter, now time.Time) models.LockoutStatus {
	if c.LockedUntil != nil && now.Before(*c.LockedUntil) {
		until := *c.LockedUntil
		return models.LockoutStatus{
			Locked:         true,
			RemainingTime:  until.Sub(now),
			LockoutUntil:   &until,
			FailedAttempts: c.Count,
		}
	}

	// A served lockout or an elapsed window no longer counts against the subject.
	if c.LockedUntil != nil || c.Count == 0 || !now.Before(c.FirstFailureAt.Add(t.config.FailureWindow)) {
		return models.LockoutStatus{}
	}
	return models.LockoutStatus{FailedAttempts: c.Count}
}

// Cleanup removes counters untouched for longer than the offense memory.
func (t *LockoutTracker) Cleanup(ctx context.Context) (int64, error) {
	return t.store.DeleteStale(ctx, t.clock.Now().Add(-t.config.OffenseMemory))
}
