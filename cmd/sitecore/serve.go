package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/background"
	"github.com/safetyworks/sitecore/internal/config"
	"github.com/safetyworks/sitecore/internal/database"
	"github.com/safetyworks/sitecore/internal/handlers"
	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/internal/repositories"
	"github.com/safetyworks/sitecore/internal/routes"
	"github.com/safetyworks/sitecore/internal/services"
	"github.com/safetyworks/sitecore/pkg/clock"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// counterStores returns the lockout and rate-window stores for the configured
// backend, plus a health check for Redis when it is in use.
func counterStores(cfg *config.Config, db *database.DB) (services.AttemptCounterStore, services.RateWindowStore, *redis.Client) {
	if cfg.Security.CounterBackend != "redis" {
		return repositories.NewAttemptCounterRepository(db), repositories.NewRateWindowRepository(db), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ttl := max(cfg.Security.OffenseMemory, cfg.Security.LockoutMax)
	return repositories.NewRedisCounterRepository(client, ttl), repositories.NewRedisWindowRepository(client), client
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("counter_backend", cfg.Security.CounterBackend))

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	clk := clock.Real()
	auditLogger := pkglogger.NewAuditLogger(logger)

	ipConfig, invalid := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	for _, cidr := range invalid {
		logger.Warn("ignoring invalid trusted proxy", slog.String("cidr", cidr))
	}

	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)

	counterStore, windowStore, redisClient := counterStores(cfg, db)
	if redisClient != nil {
		defer redisClient.Close()
	}

	accountLockout := services.NewLockoutTracker(services.ScopeAccount, counterStore, services.LockoutConfig{
		Threshold:     cfg.Security.LockoutThreshold,
		BaseDuration:  cfg.Security.LockoutBase,
		MaxDuration:   cfg.Security.LockoutMax,
		FailureWindow: cfg.Security.FailureWindow,
		OffenseMemory: cfg.Security.OffenseMemory,
	}, clk, logger)
	ipLockout := services.NewLockoutTracker(services.ScopeIP, counterStore, services.LockoutConfig{
		Threshold:     cfg.Security.IPLockoutThreshold,
		BaseDuration:  cfg.Security.LockoutBase,
		MaxDuration:   cfg.Security.LockoutMax,
		FailureWindow: cfg.Security.FailureWindow,
		OffenseMemory: cfg.Security.OffenseMemory,
	}, clk, logger)

	rateLimiter := services.NewRateLimitService(windowStore, services.RateLimitConfig{
		Window:      cfg.Security.RateWindow,
		PenaltyStep: cfg.Security.RatePenaltyStep,
		MinLimit:    cfg.Security.RateMinLimit,
		Limits: map[string]int{
			models.RouteClassLogin:    cfg.Security.LoginRateBase,
			models.RouteClassAdminAPI: cfg.Security.AdminAPIRateBase,
		},
	}, clk, logger)

	tokens := auth.NewSessionTokenManager(cfg.Auth.SessionSecret, clk)
	sessions := auth.NewSessionManager(sessionRepo, userRepo, tokens, clk, auth.SessionConfig{
		TTL:           cfg.Auth.SessionTTL,
		RenewalWindow: cfg.Auth.RenewalWindow,
		SecurityLevel: models.ParseSecurityLevel(cfg.Auth.SecurityLevel),
	}, logger)
	csrf := auth.NewCSRFService(cfg.Auth.SessionSecret)
	cookies := auth.CookieConfig{Domain: cfg.Auth.CookieDomain, Secure: cfg.Server.IsProduction()}

	authDeps := services.AuthServiceDeps{
		Users:          userRepo,
		Sessions:       sessions,
		CSRF:           csrf,
		AccountLockout: accountLockout,
		IPLockout:      ipLockout,
		RateLimiter:    rateLimiter,
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelayMs:   cfg.Auth.TimingDelayBase,
			RandomDelayMs: cfg.Auth.TimingDelayRange,
		}),
		Clock:       clk,
		Logger:      logger,
		AuditLogger: auditLogger,
	}

	var totpHandler *handlers.TOTPHandler
	if cfg.Auth.TOTPEncryptKey != "" {
		key, err := auth.ParseEncryptionKey(cfg.Auth.TOTPEncryptKey)
		if err != nil {
			return fmt.Errorf("TOTP_ENCRYPTION_KEY: %w", err)
		}
		totp, err := auth.NewTOTPManager(key, cfg.Auth.TOTPIssuer, clk)
		if err != nil {
			return err
		}
		authDeps.TOTP = totp
		totpHandler = handlers.NewTOTPHandler(services.NewTOTPService(userRepo, totp, logger, auditLogger))
	} else {
		logger.Warn("TOTP_ENCRYPTION_KEY not set; second factor enrolment disabled")
	}

	if cfg.Email.AlertEnabled {
		notifier, err := services.NewSESLockoutNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize lockout alerts: %w", err)
		}
		authDeps.Notifier = notifier
	}

	authService := services.NewAuthService(authDeps)

	checks := []routes.HealthCheck{{Name: "database", Check: db.HealthCheck}}
	if redisClient != nil {
		checks = append(checks, routes.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	router := routes.NewRouter(routes.Deps{
		AuthHandler:      handlers.NewAuthHandler(authService, csrf, ipConfig, cookies, clk, logger),
		TOTPHandler:      totpHandler,
		Gate:             auth.NewAdminGate(sessions, ipConfig, cookies, logger, auditLogger),
		CSRF:             csrf,
		RateLimiter:      rateLimiter,
		IPFailures:       ipLockout,
		IPConfig:         ipConfig,
		Env:              cfg.Server.Env,
		LoginFloodPerMin: cfg.Security.LoginFloodPerMin,
		AdminUIDir:       cfg.Server.AdminUIDir,
		HealthChecks:     checks,
		Logger:           logger,
		AuditLogger:      auditLogger,
	})

	cleanup := background.NewCleanupManager(logger, cfg.Auth.CleanupInterval,
		background.CleanupTask{Name: "sessions", Run: func(ctx context.Context) (int64, error) {
			return sessionRepo.DeleteExpired(ctx, clk.Now())
		}},
		background.CleanupTask{Name: "attempt_counters", Run: accountLockout.Cleanup},
		background.CleanupTask{Name: "rate_windows", Run: rateLimiter.Cleanup},
	)
	go cleanup.Start(ctx)
	defer cleanup.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
