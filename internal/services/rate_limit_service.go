package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/pkg/clock"
)

// RateWindowStore keeps fixed-window request counters.
type RateWindowStore interface {
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (*models.RateWindow, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// RateLimitConfig configures the progressive limiter. Limits maps a route
// class to its base requests per window.
type RateLimitConfig struct {
	Window      time.Duration
	PenaltyStep int
	MinLimit    int
	Limits      map[string]int
}

// RateLimitService applies per-IP fixed-window limits that tighten as the
// caller accumulates failed logins.
type RateLimitService struct {
	store  RateWindowStore
	config RateLimitConfig
	clock  clock.Clock
	logger *slog.Logger
}

func NewRateLimitService(store RateWindowStore, config RateLimitConfig, clk clock.Clock, logger *slog.Logger) *RateLimitService {
	if config.PenaltyStep <= 0 {
		config.PenaltyStep = 3
	}
	if config.MinLimit <= 0 {
		config.MinLimit = 1
	}
	return &RateLimitService{
		store:  store,
		config: config,
		clock:  clk,
		logger: logger,
	}
}

// EffectiveLimit halves the class's base limit for every PenaltyStep prior
// failures, never going below MinLimit.
func (s *RateLimitService) EffectiveLimit(class string, priorFailures int) (int, error) {
	base, ok := s.config.Limits[class]
	if !ok {
		return 0, fmt.Errorf("unknown rate limit class %q", class)
	}
	if priorFailures < 0 {
		priorFailures = 0
	}

	limit := base
	if shift := priorFailures / s.config.PenaltyStep; shift > 0 {
		if shift >= 31 {
			limit = 0
		} else {
			limit = base >> shift
		}
	}
	return max(limit, s.config.MinLimit), nil
}

// Apply counts one request from ip against class and reports whether it is
// over the limit.
func (s *RateLimitService) Apply(ctx context.Context, ip string, priorFailures int, class string) (*models.RateLimitResult, error) {
	limit, err := s.EffectiveLimit(class, priorFailures)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	w, err := s.store.Increment(ctx, class+":"+ip, now, s.config.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to count request: %w", err)
	}

	res := &models.RateLimitResult{
		Limit:     limit,
		Remaining: max(0, limit-w.Count),
		ResetTime: w.WindowStart.Add(s.config.Window),
	}
	if w.Count > limit {
		res.Limited = true
		res.RetryAfter = res.ResetTime.Sub(now)
		s.logger.Warn("rate limit exceeded",
			slog.String("class", class),
			slog.String("ip", ip),
			slog.Int("limit", limit),
			slog.Int("count", w.Count),
			slog.Int("prior_failures", priorFailures))
	}
	return res, nil
}

// Cleanup drops windows that ended before now.
func (s *RateLimitService) Cleanup(ctx context.Context) (int64, error) {
	return s.store.DeleteStale(ctx, s.clock.Now().Add(-s.config.Window))
}
