package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.ConnID != "" {
		logger = logger.With().Str("conn_id", tc.ConnID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return baseLogger
	}
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source into target where target
// has none.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.ConnID != "" && GetConnID(target) == "" {
		target = WithConnID(target, tc.ConnID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}

	return target
}

// CloneContext creates a new context with the same tracing information
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
