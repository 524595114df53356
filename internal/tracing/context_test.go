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

func TestNewRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()

	if id1 == "" {
		t.Error("NewRunID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "test-trace-id")

	if got := GetTraceID(ctx); got != "test-trace-id" {
		t.Errorf("Expected trace ID %s, got %s", "test-trace-id", got)
	}
}

func TestWithRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "test-run-id")

	if got := GetRunID(ctx); got != "test-run-id" {
		t.Errorf("Expected run ID %s, got %s", "test-run-id", got)
	}
}

func TestWithSessionKey(t *testing.T) {
	ctx := WithSessionKey(context.Background(), "cli:main")

	if got := GetSessionKey(ctx); got != "cli:main" {
		t.Errorf("Expected session key %s, got %s", "cli:main", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetSessionKey(ctx) != "" {
		t.Error("Expected empty values on a bare context")
	}
}

func TestFromContextAndNewContext(t *testing.T) {
	tc := &TraceContext{
		TraceID:    "trace-1",
		RunID:      "run-1",
		SessionKey: "ws:abc",
	}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewContextSkipsEmptyFields(t *testing.T) {
	base := WithRunID(context.Background(), "keep")
	ctx := NewContext(base, &TraceContext{TraceID: "trace-1"})

	if GetRunID(ctx) != "keep" {
		t.Error("Empty field overwrote an existing value")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("NewRequestContext did not set a trace ID")
	}
}

func TestNewRunContext(t *testing.T) {
	t.Run("generates trace and run ids", func(t *testing.T) {
		ctx := NewRunContext(context.Background(), "cli:main")

		if GetTraceID(ctx) == "" {
			t.Error("Trace ID not generated")
		}
		if GetRunID(ctx) == "" {
			t.Error("Run ID not generated")
		}
		if GetSessionKey(ctx) != "cli:main" {
			t.Error("Session key not set")
		}
	})

	t.Run("keeps an existing trace id", func(t *testing.T) {
		ctx := NewRunContext(WithTraceID(context.Background(), "trace-parent"), "")

		if GetTraceID(ctx) != "trace-parent" {
			t.Error("Trace ID replaced")
		}
		if GetSessionKey(ctx) != "" {
			t.Error("Empty session key should not be set")
		}
	})

	t.Run("each turn gets its own run id", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "trace-parent")

		if GetRunID(NewRunContext(parent, "s")) == GetRunID(NewRunContext(parent, "s")) {
			t.Error("Run IDs should differ between turns")
		}
	})
}
