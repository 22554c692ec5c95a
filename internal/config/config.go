package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
	Redis    RedisConfig
	Email    EmailConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	TrustedProxies []string
	AdminUIDir     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	SessionSecret    string
	SessionTTL       time.Duration
	RenewalWindow    time.Duration
	SecurityLevel    string
	CookieDomain     string
	TOTPEncryptKey   string
	TOTPIssuer       string
	CleanupInterval  time.Duration
	TimingDelayBase  int
	TimingDelayRange int
}

type SecurityConfig struct {
	CounterBackend string // "postgres" or "redis"

	LockoutThreshold   int
	IPLockoutThreshold int
	LockoutBase        time.Duration
	LockoutMax         time.Duration
	FailureWindow      time.Duration
	OffenseMemory      time.Duration
	LoginRateBase      int
	AdminAPIRateBase   int
	RateWindow         time.Duration
	RatePenaltyStep    int
	RateMinLimit       int
	LoginFloodPerMin   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EmailConfig struct {
	AWSRegion    string
	FromAddress  string
	AlertEnabled bool
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// IsProduction reports whether the server runs with production hardening.
func (c *ServerConfig) IsProduction() bool {
	return c.Env == "production"
}

// Load reads configuration from the environment (and .env when present).
// A missing or weak SESSION_SECRET is a fatal error: the server must not start
// with a default signing key.
func Load() (*Config, error) {
	_ = godotenv.Load()

	secret := getEnv("SESSION_SECRET", "")
	if secret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "sitecore"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			StatementTimeout:  getEnvAsDuration("DB_STATEMENT_TIMEOUT", 5*time.Second),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
			AdminUIDir:     getEnv("ADMIN_UI_DIR", ""),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			SessionSecret:    secret,
			SessionTTL:       getEnvAsDuration("SESSION_TTL", 2*time.Hour),
			RenewalWindow:    getEnvAsDuration("SESSION_RENEWAL_WINDOW", 15*time.Minute),
			SecurityLevel:    getEnv("SESSION_SECURITY_LEVEL", "standard"),
			CookieDomain:     getEnv("COOKIE_DOMAIN", ""),
			TOTPEncryptKey:   getEnv("TOTP_ENCRYPTION_KEY", ""),
			TOTPIssuer:       getEnv("TOTP_ISSUER", "Safety Training Admin"),
			CleanupInterval:  getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBase:  getEnvAsInt("TIMING_DELAY_BASE_MS", 250),
			TimingDelayRange: getEnvAsInt("TIMING_DELAY_RANDOM_MS", 250),
		},
		Security: SecurityConfig{
			CounterBackend:     getEnv("COUNTER_BACKEND", "postgres"),
			LockoutThreshold:   getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			IPLockoutThreshold: getEnvAsInt("IP_LOCKOUT_THRESHOLD", 0),
			LockoutBase:        getEnvAsDuration("LOCKOUT_BASE_DURATION", 15*time.Minute),
			LockoutMax:         getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			FailureWindow:      getEnvAsDuration("LOCKOUT_FAILURE_WINDOW", 15*time.Minute),
			OffenseMemory:      getEnvAsDuration("LOCKOUT_OFFENSE_MEMORY", 24*time.Hour),
			LoginRateBase:      getEnvAsInt("RATE_LIMIT_LOGIN", 10),
			AdminAPIRateBase:   getEnvAsInt("RATE_LIMIT_ADMIN_API", 120),
			RateWindow:         getEnvAsDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			RatePenaltyStep:    getEnvAsInt("RATE_LIMIT_PENALTY_STEP", 3),
			RateMinLimit:       getEnvAsInt("RATE_LIMIT_MIN", 1),
			LoginFloodPerMin:   getEnvAsInt("LOGIN_FLOOD_PER_MINUTE", 30),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Email: EmailConfig{
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			FromAddress:  getEnv("EMAIL_FROM_ADDRESS", ""),
			AlertEnabled: getEnvAsBool("LOCKOUT_ALERTS_ENABLED", false),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateSessionSecret(secret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.validate(); err != nil {
		return nil, err
	}

	if cfg.Email.AlertEnabled && cfg.Email.FromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when LOCKOUT_ALERTS_ENABLED is set")
	}

	return cfg, nil
}

// validateSessionSecret enforces minimum security standards for the signing secret
func validateSessionSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("SESSION_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// maxRatePenaltyStep keeps five prior failures below the base limit.
const maxRatePenaltyStep = 5

func (c *SecurityConfig) validate() error {
	switch c.CounterBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("COUNTER_BACKEND must be postgres or redis (got %q)", c.CounterBackend)
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be positive")
	}
	if c.IPLockoutThreshold == 0 {
		c.IPLockoutThreshold = c.LockoutThreshold
	}
	if c.IPLockoutThreshold < 1 {
		return fmt.Errorf("IP_LOCKOUT_THRESHOLD must be positive")
	}
	if c.LockoutBase <= 0 {
		return fmt.Errorf("LOCKOUT_BASE_DURATION must be positive")
	}
	if c.LockoutMax < c.LockoutBase {
		return fmt.Errorf("LOCKOUT_MAX_DURATION must not be shorter than LOCKOUT_BASE_DURATION")
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("LOCKOUT_FAILURE_WINDOW must be positive")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.RatePenaltyStep < 1 || c.RatePenaltyStep > maxRatePenaltyStep {
		return fmt.Errorf("RATE_LIMIT_PENALTY_STEP must be between 1 and %d", maxRatePenaltyStep)
	}
	if c.RateMinLimit < 1 || c.RateMinLimit >= c.LoginRateBase || c.RateMinLimit >= c.AdminAPIRateBase {
		return fmt.Errorf("RATE_LIMIT_MIN must be at least 1 and below RATE_LIMIT_LOGIN and RATE_LIMIT_ADMIN_API")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
