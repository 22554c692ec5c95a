package logger

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailed    = "login_failed"
	EventLoginThrottled = "login_throttled"
	EventLockout        = "lockout"
	EventLogout         = "logout"
	EventLogoutAll      = "logout_all"
	EventSessionRenewed = "session_renewed"
	EventSessionReject  = "session_rejected"
	EventCSRFRejected   = "csrf_rejected"
	EventTOTPEnrolled   = "totp_enrolled"
	EventAdminCreated   = "admin_created"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	UserID        string
	Username      string
	SessionID     string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

// AuditLogger writes security events as "audit" records on the main logger.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger, now: time.Now}
}

// LogAuthAttempt records a login outcome. Failures are logged at warn level.
func (al *AuditLogger) LogAuthAttempt(ctx context.Context, event AuditEvent) {
	al.log(ctx, "auth", event)
}

// LogSessionEvent records logout, renewal and rejection of admin sessions.
func (al *AuditLogger) LogSessionEvent(ctx context.Context, event AuditEvent) {
	al.log(ctx, "session", event)
}

// LogLockout records a counter crossing its threshold. scope is "account" or "ip".
func (al *AuditLogger) LogLockout(ctx context.Context, scope, subject string, failedAttempts int, until time.Time) {
	al.logger.LogAttrs(ctx, slog.LevelWarn, "audit",
		slog.String("audit_type", "lockout"),
		slog.String("event_type", EventLockout),
		slog.String("scope", scope),
		slog.String("subject", subject),
		slog.Int("failed_attempts", failedAttempts),
		slog.String("locked_until", until.UTC().Format(time.RFC3339)),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	)
}

// LogAccountAction logs provisioning and second-factor changes.
func (al *AuditLogger) LogAccountAction(ctx context.Context, eventType, userID, ipAddress string, metadata map[string]string) {
	al.log(ctx, "account", AuditEvent{
		EventType: eventType,
		UserID:    userID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata:  metadata,
	})
}

func (al *AuditLogger) log(ctx context.Context, auditType string, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", auditType),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Username != "" {
		attrs = append(attrs, slog.String("username", MaskIdentifier(event.Username)))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}
