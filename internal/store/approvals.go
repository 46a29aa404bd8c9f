package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Approval kinds and statuses.
const (
	ApprovalKindCommand = "command"
	ApprovalKindAskUser = "ask_user"

	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
	ApprovalStatusAnswered = "answered"
	ApprovalStatusExpired  = "expired"
)

// Approval is a pending decision that parked its task: either a command
// awaiting operator approval or an ask_user question awaiting a reply.
type Approval struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Kind       string     `json:"kind"`
	Subject    string     `json:"subject"`
	Status     string     `json:"status"`
	Response   string     `json:"response,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateApproval records a pending approval for a task.
func (s *Store) CreateApproval(ctx context.Context, taskID, kind, subject string, ttl time.Duration) (string, error) {
	switch kind {
	case ApprovalKindCommand, ApprovalKindAskUser:
	default:
		return "", fmt.Errorf("invalid approval kind %q", kind)
	}
	id := uuid.NewString()
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, task_id, kind, subject, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, taskID, kind, subject, ApprovalStatusPending, expiresAt)
	if err != nil {
		return "", fmt.Errorf("insert approval: %w", err)
	}
	return id, nil
}

func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, kind, subject, status, response, expires_at, resolved_at, created_at
		FROM approvals WHERE id = ?;
	`, approvalID)
	return scanApproval(row.Scan)
}

// PendingApproval returns the task's open approval, or ErrNotFound.
func (s *Store) PendingApproval(ctx context.Context, taskID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, kind, subject, status, response, expires_at, resolved_at, created_at
		FROM approvals
		WHERE task_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, taskID, ApprovalStatusPending)
	return scanApproval(row.Scan)
}

func scanApproval(scanFn func(dest ...any) error) (*Approval, error) {
	var a Approval
	var expires, resolved sql.NullTime
	if err := scanFn(&a.ID, &a.TaskID, &a.Kind, &a.Subject, &a.Status, &a.Response, &expires, &resolved, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// ResolveApproval moves a pending approval to a terminal status and
// stores the response (the user's answer for ask_user, empty otherwise).
// Returns ErrNotFound when the approval is absent or already resolved.
func (s *Store) ResolveApproval(ctx context.Context, approvalID, status, response string) error {
	switch status {
	case ApprovalStatusApproved, ApprovalStatusDenied, ApprovalStatusAnswered, ApprovalStatusExpired:
	default:
		return fmt.Errorf("invalid approval status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, response = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, status, response, approvalID, ApprovalStatusPending)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval rows: %w", err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// ExpirePendingApprovals marks overdue pending approvals expired and
// returns them so the runner can settle their tasks.
func (s *Store) ExpirePendingApprovals(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, subject, status, response, expires_at, resolved_at, created_at
		FROM approvals
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP;
	`, ApprovalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query overdue approvals: %w", err)
	}
	defer rows.Close()

	var overdue []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		overdue = append(overdue, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("overdue approval rows: %w", err)
	}

	var expired []Approval
	for _, a := range overdue {
		if err := s.ResolveApproval(ctx, a.ID, ApprovalStatusExpired, ""); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		a.Status = ApprovalStatusExpired
		expired = append(expired, a)
	}
	return expired, nil
}
