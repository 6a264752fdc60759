package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
)

// Logger is the audit sink. Implementations must be safe for concurrent use.
type Logger interface {
	// Log records one event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes buffered events and releases resources
	Close() error
}

type contextKey string

const auditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, auditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(auditLoggerKey).(Logger); ok {
		return logger
	}
	return NewNoOpLogger()
}

// noOpLogger discards every event
type noOpLogger struct{}

// NewNoOpLogger returns a logger that does nothing
func NewNoOpLogger() Logger {
	return noOpLogger{}
}

func (noOpLogger) Log(context.Context, *AuditEvent) error { return nil }
func (noOpLogger) Close() error                           { return nil }

// NewEvent builds an event stamped with the current time and the request id
// found in ctx.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.RequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}
