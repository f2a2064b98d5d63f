package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "test-trace-id")

	if got := GetTraceID(ctx); got != "test-trace-id" {
		t.Errorf("Expected trace ID test-trace-id, got %s", got)
	}
}

func TestWithConnID(t *testing.T) {
	ctx := WithConnID(context.Background(), "conn-1")

	if got := GetConnID(ctx); got != "conn-1" {
		t.Errorf("Expected conn ID conn-1, got %s", got)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")

	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("Expected request ID req-1, got %s", got)
	}
}

func TestGetFromEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("Expected empty trace ID")
	}
	if GetConnID(ctx) != "" {
		t.Error("Expected empty conn ID")
	}
	if GetRequestID(ctx) != "" {
		t.Error("Expected empty request ID")
	}
}

func TestFromContextAndNewContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithConnID(ctx, "conn-456")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-123" || tc.ConnID != "conn-456" || tc.RequestID != "" {
		t.Errorf("Unexpected trace context: %+v", tc)
	}

	rebuilt := NewContext(context.Background(), tc)
	if GetTraceID(rebuilt) != "trace-123" {
		t.Error("Trace ID not restored")
	}
	if GetConnID(rebuilt) != "conn-456" {
		t.Error("Conn ID not restored")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
}
