package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	id := NewSessionID()
	ctx = WithSessionID(ctx, id)
	if got := SessionID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestPlanVersion_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := PlanVersion(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithPlanVersion(ctx, 3)
	if got := PlanVersion(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestNewIDs_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected unique trace ids")
	}
	if NewSessionID() == NewSessionID() {
		t.Fatal("expected unique session ids")
	}
}
