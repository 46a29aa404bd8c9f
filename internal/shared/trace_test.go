package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestRound_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is 0.
	if got := Round(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	// Set and retrieve.
	ctx = WithRound(ctx, 4)
	if got := Round(ctx); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}

	// Overwrite.
	ctx = WithRound(ctx, 7)
	if got := Round(ctx); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestTaskID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-1")
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
}

func TestProjectConversationIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithProjectID(ctx, "proj-1")
	ctx = WithConversationID(ctx, "conv-1")
	if got := ProjectID(ctx); got != "proj-1" {
		t.Fatalf("expected proj-1, got %q", got)
	}
	if got := ConversationID(ctx); got != "conv-1" {
		t.Fatalf("expected conv-1, got %q", got)
	}
}
