package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/store"
)

func backdate(t *testing.T, s *store.Store, table, where string, args ...any) {
	t.Helper()
	old := time.Now().UTC().AddDate(0, 0, -90)
	if _, err := s.DB().Exec("UPDATE "+table+" SET created_at = ? WHERE "+where, append([]any{old}, args...)...); err != nil {
		t.Fatalf("backdate %s: %v", table, err)
	}
}

func TestRunRetention_SkipsActiveTaskEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// one settled task and one still running, both with old events
	_, doneTask := newRunningTask(t, s)
	if _, err := s.AppendEvent(ctx, doneTask, store.EventContentDelta, `{"text":"a"}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.CompleteTask(ctx, doneTask, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, liveTask := newRunningTask(t, s)
	if _, err := s.AppendEvent(ctx, liveTask, store.EventContentDelta, `{"text":"b"}`); err != nil {
		t.Fatalf("append: %v", err)
	}

	backdate(t, s, "task_events", "task_id IN (?, ?)", doneTask, liveTask)

	result, err := s.RunRetention(ctx, 30, 0, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.PurgedTaskEvents == 0 {
		t.Fatalf("expected settled task's events purged")
	}

	remaining, err := s.ListTaskEventsFrom(ctx, liveTask, 0, 0)
	if err != nil {
		t.Fatalf("list live events: %v", err)
	}
	if len(remaining) == 0 {
		t.Fatalf("running task's events must survive retention")
	}
	purged, err := s.ListTaskEventsFrom(ctx, doneTask, 0, 0)
	if err != nil {
		t.Fatalf("list purged events: %v", err)
	}
	if len(purged) != 0 {
		t.Fatalf("expected settled task's old events gone, got %d", len(purged))
	}
}

func TestRunRetention_ZeroWindowsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, taskID := newRunningTask(t, s)
	if err := s.CompleteTask(ctx, taskID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	backdate(t, s, "task_events", "task_id = ?", taskID)

	result, err := s.RunRetention(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.PurgedTaskEvents != 0 || result.PurgedAuditLogs != 0 || result.PurgedMessages != 0 {
		t.Fatalf("expected no purges with zero windows, got %+v", result)
	}
}
