package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/macaulishchina/AI-Studio/internal/shared"
)

// Event types appended while a task executes. status_change and done are
// written by the lifecycle transitions; the rest come from the agent loop.
const (
	EventContentDelta  = "content_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolCall      = "tool_call"
	EventToolResult    = "tool_result"
	EventStatusChange  = "status_change"
	EventRoundBoundary = "round_boundary"
	EventUsage         = "usage"
	EventError         = "error"
	EventDone          = "done"
)

// TaskEvent is one row of the append-only task event log. Seq is
// contiguous from 1 within a task; EventID is the global cursor used for
// project-scoped replay.
type TaskEvent struct {
	EventID   int64  `json:"event_id"`
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Seq       int64  `json:"seq"`
	TraceID   string `json:"trace_id,omitempty"`
	EventType string `json:"type"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// EventTopic is the bus topic carrying a task's events. Subscribing with
// the "events.<projectID>" prefix receives every task in the project.
func EventTopic(projectID, taskID string) string {
	return "events." + projectID + "." + taskID
}

// appendTaskEventTx allocates the next per-task seq and inserts the
// event. Safe under the single-connection pool: the MAX(seq) read and the
// insert share one transaction.
func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, projectID, eventType, payload string) (TaskEvent, error) {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = taskID
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM task_events WHERE task_id = ?;
	`, taskID).Scan(&seq); err != nil {
		return TaskEvent{}, fmt.Errorf("allocate event seq: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, project_id, seq, trace_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, projectID, seq, traceID, eventType, payload)
	if err != nil {
		return TaskEvent{}, fmt.Errorf("insert task_event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return TaskEvent{}, fmt.Errorf("task_event insert id: %w", err)
	}
	return TaskEvent{
		EventID:   eventID,
		TaskID:    taskID,
		ProjectID: projectID,
		Seq:       seq,
		TraceID:   traceID,
		EventType: eventType,
		Payload:   payload,
	}, nil
}

// AppendEvent durably appends one event and publishes it to the bus.
// The append commits before the publish, so a replaying subscriber never
// sees a live event it cannot also find in the log.
func (s *Store) AppendEvent(ctx context.Context, taskID, eventType, payload string) (TaskEvent, error) {
	var event TaskEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var projectID string
		if err := tx.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE id = ?;`, taskID).Scan(&projectID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("select task project: %w", err)
		}
		event, err = s.appendTaskEventTx(ctx, tx, taskID, projectID, eventType, payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return TaskEvent{}, err
	}
	s.publishEvent(event)
	return event, nil
}

func (s *Store) publishEvent(event TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(EventTopic(event.ProjectID, event.TaskID), event)
}

// ListTaskEventsFrom returns task events with seq > fromSeq in seq order.
func (s *Store) ListTaskEventsFrom(ctx context.Context, taskID string, fromSeq int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, project_id, seq, COALESCE(trace_id, ''), event_type, payload_json, created_at
		FROM task_events
		WHERE task_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, taskID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	return scanEvents(rows)
}

// ListProjectEventsFrom returns project events with event_id > fromEventID
// in event_id order. Used for project-scoped replay (SSE Last-Event-ID).
func (s *Store) ListProjectEventsFrom(ctx context.Context, projectID string, fromEventID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, project_id, seq, COALESCE(trace_id, ''), event_type, payload_json, created_at
		FROM task_events
		WHERE project_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, projectID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list project events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]TaskEvent, error) {
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var event TaskEvent
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.ProjectID,
			&event.Seq,
			&event.TraceID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskEventBounds returns the min and max seq recorded for a task.
// Both are zero when the task has no events.
func (s *Store) TaskEventBounds(ctx context.Context, taskID string) (minSeq, maxSeq int64, err error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(seq), MAX(seq)
		FROM task_events
		WHERE task_id = ?;
	`, taskID).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("task event bounds: %w", err)
	}
	if lo.Valid {
		minSeq = lo.Int64
	}
	if hi.Valid {
		maxSeq = hi.Int64
	}
	return minSeq, maxSeq, nil
}

// TotalEventCount returns the total number of task events in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}
