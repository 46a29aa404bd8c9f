package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/store"
)

func TestApproval_CommandLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, taskID := newRunningTask(t, s)

	approvalID, err := s.CreateApproval(ctx, taskID, store.ApprovalKindCommand, "rm -rf build/", time.Hour)
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if err := s.SuspendForApproval(ctx, taskID); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	pending, err := s.PendingApproval(ctx, taskID)
	if err != nil {
		t.Fatalf("pending approval: %v", err)
	}
	if pending == nil || pending.ID != approvalID {
		t.Fatalf("expected pending approval %s, got %+v", approvalID, pending)
	}
	if pending.Kind != store.ApprovalKindCommand || pending.Subject != "rm -rf build/" {
		t.Fatalf("unexpected approval content: %+v", pending)
	}

	if err := s.ResolveApproval(ctx, approvalID, store.ApprovalStatusApproved, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.GetApproval(ctx, approvalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != store.ApprovalStatusApproved || got.ResolvedAt == nil {
		t.Fatalf("expected approved with resolved_at, got %+v", got)
	}

	// double resolution is rejected
	if err := s.ResolveApproval(ctx, approvalID, store.ApprovalStatusDenied, ""); err == nil {
		t.Fatalf("expected second resolution to fail")
	}

	if pending, _ := s.PendingApproval(ctx, taskID); pending != nil {
		t.Fatalf("expected no pending approval after resolution")
	}
}

func TestApproval_AskUserAnswer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, taskID := newRunningTask(t, s)

	approvalID, err := s.CreateApproval(ctx, taskID, store.ApprovalKindAskUser, "Which database should I target?", 0)
	if err != nil {
		t.Fatalf("create ask_user approval: %v", err)
	}
	if err := s.ResolveApproval(ctx, approvalID, store.ApprovalStatusAnswered, "the staging replica"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got, err := s.GetApproval(ctx, approvalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Response != "the staging replica" {
		t.Fatalf("expected response persisted, got %q", got.Response)
	}
}

func TestApproval_InvalidKindRejected(t *testing.T) {
	s := openTestStore(t)
	_, taskID := newRunningTask(t, s)
	if _, err := s.CreateApproval(context.Background(), taskID, "handshake", "x", 0); err == nil {
		t.Fatalf("expected invalid kind to be rejected")
	}
}

func TestExpirePendingApprovals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, taskID := newRunningTask(t, s)

	expiredID, err := s.CreateApproval(ctx, taskID, store.ApprovalKindCommand, "slow one", time.Millisecond)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	keptID, err := s.CreateApproval(ctx, taskID, store.ApprovalKindCommand, "fresh one", time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	expired, err := s.ExpirePendingApprovals(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != expiredID {
		t.Fatalf("expected only the stale approval to expire, got %+v", expired)
	}
	kept, err := s.GetApproval(ctx, keptID)
	if err != nil {
		t.Fatalf("get kept: %v", err)
	}
	if kept.Status != store.ApprovalStatusPending {
		t.Fatalf("expected fresh approval still pending, got %s", kept.Status)
	}
}
