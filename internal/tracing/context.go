package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ConnIDKey is the context key for the connection ID
	ConnIDKey ContextKey = "conn_id"
	// RequestIDKey is the context key for a caller-supplied request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	ConnID    string
	RequestID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithConnID adds a connection ID to the context
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetConnID retrieves the connection ID from the context
func GetConnID(ctx context.Context) string {
	if connID, ok := ctx.Value(ConnIDKey).(string); ok {
		return connID
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		ConnID:    GetConnID(ctx),
		RequestID: GetRequestID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ConnID != "" {
		ctx = WithConnID(ctx, tc.ConnID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
