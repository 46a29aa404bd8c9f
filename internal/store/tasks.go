package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	ConversationID   string     `json:"conversation_id"`
	Prompt           string     `json:"prompt"`
	Model            string     `json:"model"`
	Status           TaskStatus `json:"status"`
	Round            int        `json:"round"`
	MaxRounds        int        `json:"max_rounds"`
	CancelRequested  bool       `json:"cancel_requested"`
	PolicyVersion    string     `json:"policy_version,omitempty"`
	LeaseOwner       string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const taskColumns = `id, project_id, conversation_id, prompt, model, status, round, max_rounds,
	cancel_requested, COALESCE(policy_version, ''), COALESCE(lease_owner, ''), lease_expires_at,
	COALESCE(result, ''), COALESCE(error, ''), prompt_tokens, completion_tokens, total_tokens,
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var leaseExpires sql.NullTime
	var cancelRequested int
	if err := scanFn(
		&task.ID,
		&task.ProjectID,
		&task.ConversationID,
		&task.Prompt,
		&task.Model,
		&task.Status,
		&task.Round,
		&task.MaxRounds,
		&cancelRequested,
		&task.PolicyVersion,
		&task.LeaseOwner,
		&leaseExpires,
		&task.Result,
		&task.Error,
		&task.PromptTokens,
		&task.CompletionTokens,
		&task.TotalTokens,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.CancelRequested = cancelRequested != 0
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpiresAt = &t
	}
	return nil
}

// transitionTaskTx moves a task between statuses and appends the
// status_change event in the same transaction. Returns the appended event
// and ok=false when the task is absent or not in an allowed from-state.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	reason string,
	result *string,
	errMsg *string,
) (TaskEvent, bool, error) {
	var current TaskStatus
	var projectID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, project_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskEvent{}, false, nil
		}
		return TaskEvent{}, false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return TaskEvent{}, false, nil
	}
	if !canTransition(current, to) {
		return TaskEvent{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return TaskEvent{}, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return TaskEvent{}, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return TaskEvent{}, false, nil
	}
	payload := fmt.Sprintf(`{"from":%q,"to":%q,"reason":%q}`, current, to, reason)
	event, err := s.appendTaskEventTx(ctx, tx, taskID, projectID, EventStatusChange, payload)
	if err != nil {
		return TaskEvent{}, false, err
	}
	return event, true, nil
}

// CreateTask enqueues a pending task. The partial unique index on active
// tasks makes the one-active-task-per-conversation check atomic with the
// insert; a violation maps to ErrConversationBusy.
func (s *Store) CreateTask(ctx context.Context, projectID, conversationID, prompt, model string, maxRounds int) (string, error) {
	if maxRounds <= 0 {
		maxRounds = 20
	}
	taskID := uuid.NewString()
	var created TaskEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, conversation_id, prompt, model, status, max_rounds, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, projectID, conversationID, prompt, model, TaskStatusPending, maxRounds); err != nil {
			if isUniqueViolation(err) {
				return ErrConversationBusy
			}
			return fmt.Errorf("create task: %w", err)
		}
		payload := fmt.Sprintf(`{"from":"","to":%q,"reason":"submitted"}`, TaskStatusPending)
		created, err = s.appendTaskEventTx(ctx, tx, taskID, projectID, EventStatusChange, payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publishEvent(created)
	return taskID, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasks returns a project's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, projectID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ClaimNextPendingTask atomically moves the oldest pending task to
// running, sets a lease, and pins the policy version the run is checked
// against. Returns nil when nothing is pending.
func (s *Store) ClaimNextPendingTask(ctx context.Context, policyVersion string) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusPending)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		event, ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusPending}, TaskStatusRunning,
			"claimed", nil, nil)
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, policy_version = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, policyVersion, task.ID, TaskStatusRunning); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		s.publishEvent(event)
		task.Status = TaskStatusRunning
		task.LeaseOwner = leaseOwner
		task.LeaseExpiresAt = &leaseExpiresAt
		task.PolicyVersion = policyVersion
		result = &task
		return nil
	})
	return result, err
}

func (s *Store) HeartbeatLease(ctx context.Context, taskID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?, ?);
	`, time.Now().UTC().Add(defaultLeaseDuration), taskID, leaseOwner,
		TaskStatusRunning, TaskStatusAwaitingApproval, TaskStatusAwaitingUserInput)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequestCancel flags a task for cooperative cancellation. A pending task
// cancels immediately; an active one finishes its current step first.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for cancel: %w", err)
		}
		if IsTerminal(status) {
			return tx.Commit() // no-op on settled tasks
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("set cancel_requested: %w", err)
		}

		if status == TaskStatusPending {
			event, ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{TaskStatusPending}, TaskStatusCancelled,
				"cancel_requested", nil, nil)
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit cancel tx: %w", err)
			}
			if ok {
				s.publishEvent(event)
			}
			return nil
		}
		return tx.Commit()
	})
}

// CancelRequested reports the cooperative cancel flag. The agent loop
// polls this between rounds.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return flag != 0, nil
}

func (s *Store) settleTask(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, reason string, result, errMsg *string) error {
	var event TaskEvent
	var done TaskEvent
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin settle tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		event, ok, err = s.transitionTaskTx(ctx, tx, taskID, from, to, reason, result, errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, to); err != nil {
			return fmt.Errorf("clear lease on settle: %w", err)
		}
		done, err = s.appendTaskEventTx(ctx, tx, taskID, event.ProjectID, EventDone,
			fmt.Sprintf(`{"status":%q}`, to))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishEvent(event)
	s.publishEvent(done)
	return nil
}

// CompleteTask settles a running task as completed with its final answer.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	return s.settleTask(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusCompleted, "finished", &result, nil)
}

// FailTask settles a task as failed from any active state.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return s.settleTask(ctx, taskID, activeStatuses, TaskStatusFailed, "error", nil, &errMsg)
}

// ReachRoundLimit settles a running task that used all its rounds without
// producing a final answer. The partial result is preserved.
func (s *Store) ReachRoundLimit(ctx context.Context, taskID, partial string) error {
	return s.settleTask(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusRoundLimitReached, "round_limit", &partial, nil)
}

// CancelTask settles a task as cancelled from any active state.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) error {
	return s.settleTask(ctx, taskID, activeStatuses, TaskStatusCancelled, reason, nil, nil)
}

func (s *Store) suspendOrResume(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, reason string) error {
	var event TaskEvent
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin suspend tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		event, ok, err = s.transitionTaskTx(ctx, tx, taskID, from, to, reason, nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishEvent(event)
	return nil
}

// SuspendForApproval parks a running task until its pending approval
// resolves.
func (s *Store) SuspendForApproval(ctx context.Context, taskID string) error {
	return s.suspendOrResume(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusAwaitingApproval, "approval_required")
}

// SuspendForUserInput parks a running task on an ask_user tool call.
func (s *Store) SuspendForUserInput(ctx context.Context, taskID string) error {
	return s.suspendOrResume(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusAwaitingUserInput, "user_input_required")
}

// ResumeTask returns a suspended task to running.
func (s *Store) ResumeTask(ctx context.Context, taskID, reason string) error {
	return s.suspendOrResume(ctx, taskID,
		[]TaskStatus{TaskStatusAwaitingApproval, TaskStatusAwaitingUserInput},
		TaskStatusRunning, reason)
}

// SetRound records the loop round a task has reached.
func (s *Store) SetRound(ctx context.Context, taskID string, round int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET round = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, round, taskID)
	if err != nil {
		return fmt.Errorf("set round: %w", err)
	}
	return nil
}

// AddUsage accumulates model token usage onto the task row.
func (s *Store) AddUsage(ctx context.Context, taskID string, promptTokens, completionTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET prompt_tokens = prompt_tokens + ?,
			completion_tokens = completion_tokens + ?,
			total_tokens = total_tokens + ? + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, promptTokens, completionTokens, promptTokens, completionTokens, taskID)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// RecoverInterrupted settles every task left active by a previous process
// as failed. Runs once at startup before workers start; pending tasks are
// left for normal claiming.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status IN (?, ?, ?);
	`, TaskStatusRunning, TaskStatusAwaitingApproval, TaskStatusAwaitingUserInput)
	if err != nil {
		return 0, fmt.Errorf("query interrupted tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("interrupted task rows: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		errMsg := "interrupted by server restart"
		if err := s.settleTask(ctx, id,
			[]TaskStatus{TaskStatusRunning, TaskStatusAwaitingApproval, TaskStatusAwaitingUserInput},
			TaskStatusFailed, "recovered", nil, &errMsg); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// RequeueExpiredLeases returns running tasks whose worker stopped
// heartbeating to pending so another worker can pick them up.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM tasks
		WHERE status = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("expired lease rows: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		var event TaskEvent
		var ok bool
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin requeue tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()
			event, ok, err = s.transitionTaskTx(ctx, tx, id,
				[]TaskStatus{TaskStatusRunning}, TaskStatusPending,
				"lease_expired", nil, nil)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, id, TaskStatusPending); err != nil {
				return fmt.Errorf("clear lease after requeue: %w", err)
			}
			return tx.Commit()
		})
		if err != nil {
			return reclaimed, err
		}
		if ok {
			s.publishEvent(event)
			reclaimed++
		}
	}
	return reclaimed, nil
}
