package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // connection ID
	Action    string                 `json:"action"`          // "connect", "close", "lost"
	Status    string                 `json:"status"`          // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditOnce sync.Once
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		// Discard until InitAuditLogger is called
		auditInst = &AuditLogger{
			logger: zerolog.Nop(),
		}
	})
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger redirects the global audit logger to the file at path
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditOnce.Do(func() {})
	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Record emits an audit event to the log file and optionally to OpenTelemetry
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Extract tracing info if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		// Also record as a span event for Otel
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Direct JSON logging to file/logger
	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordConnectionAudit records a connection lifecycle event (connect,
// close, lost) for the connection identified by connID.
func RecordConnectionAudit(ctx context.Context, action, connID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "connection",
		Actor:    connID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
