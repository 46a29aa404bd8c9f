package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/macaulishchina/AI-Studio/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "studio.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *store.Store) (projectID, conversationID string) {
	t.Helper()
	ctx := context.Background()
	projectID = uuid.NewString()
	conversationID = uuid.NewString()
	if err := s.EnsureProject(ctx, projectID, "test project", "/tmp/ws"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	if err := s.EnsureConversation(ctx, conversationID, projectID); err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	return projectID, conversationID
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)

	if mode := queryOneString(t, s.DB(), "PRAGMA journal_mode;"); mode != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", mode)
	}
	for _, table := range []string{"projects", "conversations", "messages", "tasks", "task_events", "approvals", "audit_log", "schedules", "schema_migrations"} {
		q := "SELECT name FROM sqlite_master WHERE type='table' AND name='" + table + "';"
		if got := queryOneString(t, s.DB(), q); got != table {
			t.Fatalf("expected table %q, got %q", table, got)
		}
	}
}

func TestStore_ReopenValidatesChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.db")
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	_ = s.Close()

	s2, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = s2.Close()
}

func TestCreateTask_SecondActiveTaskRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	// first task occupies the conversation
	first, err := s.CreateTask(ctx, projectID, conversationID, "do the thing", "gpt-4o", 10)
	if err != nil {
		t.Fatalf("create first task: %v", err)
	}
	if first == "" {
		t.Fatalf("expected task id")
	}

	_, err = s.CreateTask(ctx, projectID, conversationID, "do another thing", "gpt-4o", 10)
	if !errors.Is(err, store.ErrConversationBusy) {
		t.Fatalf("expected ErrConversationBusy, got %v", err)
	}

	// settling the first task frees the conversation
	claimed, err := s.ClaimNextPendingTask(ctx, "policy-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first {
		t.Fatalf("expected to claim first task")
	}
	if err := s.CompleteTask(ctx, first, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.CreateTask(ctx, projectID, conversationID, "third", "gpt-4o", 10); err != nil {
		t.Fatalf("expected conversation free after completion, got %v", err)
	}
}

func TestTaskLifecycle_HappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	taskID, err := s.CreateTask(ctx, projectID, conversationID, "summarize", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	claimed, err := s.ClaimNextPendingTask(ctx, "policy-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.Status != store.TaskStatusRunning {
		t.Fatalf("expected running claim, got %+v", claimed)
	}
	if claimed.PolicyVersion != "policy-1" {
		t.Fatalf("expected pinned policy version, got %q", claimed.PolicyVersion)
	}
	if claimed.LeaseOwner == "" {
		t.Fatalf("expected lease owner")
	}

	if err := s.CompleteTask(ctx, taskID, "the summary"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Result != "the summary" {
		t.Fatalf("expected result persisted, got %q", task.Result)
	}
	if task.LeaseOwner != "" {
		t.Fatalf("expected lease cleared on completion")
	}
}

func TestTaskLifecycle_InvalidTransitionRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	taskID, err := s.CreateTask(ctx, projectID, conversationID, "x", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// completing a pending task skips running, which the lifecycle forbids
	if err := s.CompleteTask(ctx, taskID, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for complete-from-pending, got %v", err)
	}

	if _, err := s.ClaimNextPendingTask(ctx, "policy-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteTask(ctx, taskID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// terminal states are final
	if err := s.CancelTask(ctx, taskID, "late"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected terminal task to reject cancel, got %v", err)
	}
}

func TestSuspendResume_ApprovalFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	taskID, err := s.CreateTask(ctx, projectID, conversationID, "deploy", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimNextPendingTask(ctx, "policy-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.SuspendForApproval(ctx, taskID); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", task.Status)
	}

	if err := s.ResumeTask(ctx, taskID, "approved"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	task, _ = s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusRunning {
		t.Fatalf("expected running after resume, got %s", task.Status)
	}
}

func TestRequestCancel_PendingCancelsImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	taskID, err := s.CreateTask(ctx, projectID, conversationID, "x", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.RequestCancel(ctx, taskID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
}

func TestRequestCancel_RunningSetsFlagOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	taskID, err := s.CreateTask(ctx, projectID, conversationID, "x", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimNextPendingTask(ctx, "policy-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequestCancel(ctx, taskID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusRunning {
		t.Fatalf("running task must keep running until the loop notices, got %s", task.Status)
	}
	flagged, err := s.CancelRequested(ctx, taskID)
	if err != nil || !flagged {
		t.Fatalf("expected cancel flag set, got %v %v", flagged, err)
	}
	if err := s.CancelTask(ctx, taskID, "cooperative"); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	task, _ = s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
}

func TestRecoverInterrupted_FailsActiveTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	projectID, conversationID := seedConversation(t, s)

	taskID, err := s.CreateTask(ctx, projectID, conversationID, "x", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimNextPendingTask(ctx, "policy-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered task, got %d", n)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("expected failed after recovery, got %s", task.Status)
	}
	if task.Error == "" {
		t.Fatalf("expected recovery error message")
	}
}

func TestMessages_RoundTripAndArchive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, conversationID := seedConversation(t, s)

	if err := s.AddMessage(ctx, conversationID, "user", "hello", "", "", 2); err != nil {
		t.Fatalf("add user message: %v", err)
	}
	if err := s.AddMessage(ctx, conversationID, "assistant", "hi there", "", "", 3); err != nil {
		t.Fatalf("add assistant message: %v", err)
	}
	if err := s.AddMessage(ctx, conversationID, "tool", "{}", "search", "call-1", 1); err != nil {
		t.Fatalf("add tool message: %v", err)
	}
	if err := s.AddMessage(ctx, conversationID, "narrator", "x", "", "", 1); err == nil {
		t.Fatalf("expected invalid role to be rejected")
	}

	msgs, err := s.ListMessages(ctx, conversationID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[2].ToolName != "search" || msgs[2].ToolCallID != "call-1" {
		t.Fatalf("expected tool metadata, got %+v", msgs[2])
	}

	if err := s.ArchiveMessages(ctx, conversationID, msgs[1].ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	msgs, err = s.ListMessages(ctx, conversationID, 0)
	if err != nil {
		t.Fatalf("list after archive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 unarchived message, got %d", len(msgs))
	}
}
