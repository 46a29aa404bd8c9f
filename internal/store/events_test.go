package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/macaulishchina/AI-Studio/internal/store"
)

func newRunningTask(t *testing.T, s *store.Store) (projectID, taskID string) {
	t.Helper()
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)
	taskID, err := s.CreateTask(ctx, projectID, conversationID, "x", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimNextPendingTask(ctx, "policy-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return projectID, taskID
}

func TestAppendEvent_SeqContiguousFromOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, taskID := newRunningTask(t, s)

	// submission appended seq 1, the claim appended seq 2
	for i := 0; i < 5; i++ {
		ev, err := s.AppendEvent(ctx, taskID, store.EventContentDelta,
			fmt.Sprintf(`{"text":"chunk %d"}`, i))
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		if want := int64(i + 3); ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
	}

	minSeq, maxSeq, err := s.TaskEventBounds(ctx, taskID)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if minSeq != 1 || maxSeq != 7 {
		t.Fatalf("expected bounds [1,7], got [%d,%d]", minSeq, maxSeq)
	}
}

func TestListTaskEventsFrom_ReplaysFromCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, taskID := newRunningTask(t, s)

	for i := 0; i < 9; i++ {
		if _, err := s.AppendEvent(ctx, taskID, store.EventContentDelta, `{"text":"x"}`); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ListTaskEventsFrom(ctx, taskID, 5, 0)
	if err != nil {
		t.Fatalf("list from seq 5: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected events 6..11, got %d events", len(events))
	}
	for i, ev := range events {
		if want := int64(6 + i); ev.Seq != want {
			t.Fatalf("expected seq %d at index %d, got %d", want, i, ev.Seq)
		}
	}

	// limit caps the page
	events, err = s.ListTaskEventsFrom(ctx, taskID, 0, 3)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 1 {
		t.Fatalf("expected first 3 events, got %d starting at %d", len(events), events[0].Seq)
	}
}

func TestListProjectEventsFrom_SpansTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, firstTask := newRunningTask(t, s)
	if err := s.CompleteTask(ctx, firstTask, "done"); err != nil {
		t.Fatalf("complete first: %v", err)
	}

	secondConv := seedSecondConversation(t, s, projectID)
	secondTask, err := s.CreateTask(ctx, projectID, secondConv, "y", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create second task: %v", err)
	}
	if _, err := s.ClaimNextPendingTask(ctx, "policy-1"); err != nil {
		t.Fatalf("claim second: %v", err)
	}

	all, err := s.ListProjectEventsFrom(ctx, projectID, 0, 0)
	if err != nil {
		t.Fatalf("list project events: %v", err)
	}
	if len(all) < 4 {
		t.Fatalf("expected events from both tasks, got %d", len(all))
	}
	seenSecond := false
	var lastEventID int64
	for _, ev := range all {
		if ev.ProjectID != projectID {
			t.Fatalf("unexpected project %q", ev.ProjectID)
		}
		if ev.EventID <= lastEventID {
			t.Fatalf("event ids not ascending: %d after %d", ev.EventID, lastEventID)
		}
		lastEventID = ev.EventID
		if ev.TaskID == secondTask {
			seenSecond = true
		}
	}
	if !seenSecond {
		t.Fatalf("expected second task's events in project stream")
	}

	// resuming from the midpoint cursor skips everything at or before it
	mid := all[len(all)/2].EventID
	tail, err := s.ListProjectEventsFrom(ctx, projectID, mid, 0)
	if err != nil {
		t.Fatalf("list from cursor: %v", err)
	}
	if len(tail) == 0 || tail[0].EventID <= mid {
		t.Fatalf("expected events strictly after %d", mid)
	}
}

func seedSecondConversation(t *testing.T, s *store.Store, projectID string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	if err := s.EnsureConversation(ctx, id, projectID); err != nil {
		t.Fatalf("ensure second conversation: %v", err)
	}
	return id
}

func TestAppendEvent_UnknownTaskRejected(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AppendEvent(context.Background(), "no-such-task", store.EventContentDelta, `{}`); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}
