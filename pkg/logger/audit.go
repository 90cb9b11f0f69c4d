package logger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SecurityEvent names an auditable identity event
type SecurityEvent string

const (
	EventUserCreated          SecurityEvent = "user_created"
	EventUserDeleted          SecurityEvent = "user_deleted"
	EventDuplicateAccount     SecurityEvent = "duplicate_account"
	EventPasswordChanged      SecurityEvent = "password_changed"
	EventLogoutEverywhere     SecurityEvent = "logout_everywhere"
	EventRoleAssigned         SecurityEvent = "role_assigned"
	EventRoleRevoked          SecurityEvent = "role_revoked"
	EventCredentialRegistered SecurityEvent = "credential_registered"
	EventCredentialDeleted    SecurityEvent = "credential_deleted"
	EventCounterRegression    SecurityEvent = "counter_regression"
	EventRecoveryCodesIssued  SecurityEvent = "recovery_codes_issued"
	EventRecoveryCodeUsed     SecurityEvent = "recovery_code_used"
	EventRecoveryCodeRejected SecurityEvent = "recovery_code_rejected"
	EventTwoFactorChanged     SecurityEvent = "two_factor_changed"
	EventEntropyUnavailable   SecurityEvent = "entropy_unavailable"
)

// SecurityAuditor writes security events to the structured log and counts
// them in keystone_security_events_total
type SecurityAuditor struct {
	logger *slog.Logger
	events *prometheus.CounterVec
}

// NewSecurityAuditor registers its counter with reg. A nil reg keeps the
// counter private, which is what tests want.
func NewSecurityAuditor(logger *slog.Logger, reg prometheus.Registerer) *SecurityAuditor {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystone",
		Name:      "security_events_total",
		Help:      "Identity security events by type.",
	}, []string{"event"})

	if reg != nil {
		if err := reg.Register(events); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				events = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				logger.Error("failed to register security event counter", slog.Any("error", err))
			}
		}
	}

	return &SecurityAuditor{logger: logger, events: events}
}

// Counter exposes the event counter for scraping in tests
func (a *SecurityAuditor) Counter() *prometheus.CounterVec {
	return a.events
}

// Record logs a routine security event at info level
func (a *SecurityAuditor) Record(ctx context.Context, event SecurityEvent, userID string, attrs ...slog.Attr) {
	a.log(ctx, slog.LevelInfo, event, userID, attrs)
}

// Alert logs an event that indicates tampering or a broken environment
func (a *SecurityAuditor) Alert(ctx context.Context, event SecurityEvent, userID string, attrs ...slog.Attr) {
	a.log(ctx, slog.LevelError, event, userID, attrs)
}

func (a *SecurityAuditor) log(ctx context.Context, level slog.Level, event SecurityEvent, userID string, extra []slog.Attr) {
	if a == nil {
		return
	}

	a.events.WithLabelValues(string(event)).Inc()

	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	attrs = append(attrs, extra...)

	a.logger.LogAttrs(ctx, level, "audit", attrs...)
}
