package audit

import (
	"context"
	"net/http"
	"time"
)

// Logger is the interface for audit logging. Implementations must never let a
// logging failure surface to the caller's request path; callers treat Log as
// fire-and-forget.
type Logger interface {
	// Log records an audit entry
	Log(ctx context.Context, entry *Entry) error

	// LogSecurity records a security event
	LogSecurity(ctx context.Context, entry *SecurityEntry) error

	// Close flushes any buffered entries and releases resources
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// LoggerKey is the context key for the audit logger
const LoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger if
// none is set
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(LoggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, entry *Entry) error {
	return nil
}

func (l *noOpLogger) LogSecurity(ctx context.Context, entry *SecurityEntry) error {
	return nil
}

func (l *noOpLogger) Close() error {
	return nil
}

// NewNoOpLogger returns a logger that discards everything
func NewNoOpLogger() Logger {
	return &noOpLogger{}
}

// GetClientIP extracts the client IP from the request
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr
	return r.RemoteAddr
}

// NewEntry creates an entry stamped with the current time
func NewEntry(objectType, objectID string, action Action, outcome Outcome) *Entry {
	return &Entry{
		Timestamp:  time.Now().UTC(),
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Outcome:    outcome,
		Details:    make(map[string]interface{}),
	}
}

// NewSecurityEntry creates a security entry stamped with the current time
func NewSecurityEntry(event SecurityEvent) *SecurityEntry {
	return &SecurityEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Details:   make(map[string]interface{}),
	}
}

// AccessDenied is a convenience helper that records an authorization denial
// through the context logger. Errors are deliberately discarded.
func AccessDenied(ctx context.Context, actorID, actorOrgID, objectType, objectID, reason, ip string) {
	entry := NewSecurityEntry(SecurityAccessDenied)
	entry.ActorID = actorID
	entry.ActorOrgID = actorOrgID
	entry.ObjectType = objectType
	entry.ObjectID = objectID
	entry.Reason = reason
	entry.IPAddress = ip
	_ = FromContext(ctx).LogSecurity(ctx, entry)
}
