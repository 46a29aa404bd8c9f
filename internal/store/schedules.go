package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a cron-triggered task template.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron"`
	ProjectID string     `json:"project_id"`
	Prompt    string     `json:"prompt"`
	Model     string     `json:"model,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// UpsertSchedule creates or updates a schedule by name within a project.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	if sched.Name == "" || sched.CronExpr == "" {
		return "", fmt.Errorf("schedule name and cron expression required")
	}
	var existingID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM schedules WHERE project_id = ? AND name = ?;
	`, sched.ProjectID, sched.Name).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id := uuid.NewString()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, project_id, prompt, model, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, sched.Name, sched.CronExpr, sched.ProjectID, sched.Prompt, sched.Model, boolToInt(sched.Enabled)); err != nil {
			return "", fmt.Errorf("insert schedule: %w", err)
		}
		return id, nil
	case err != nil:
		return "", fmt.Errorf("select schedule: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET cron_expr = ?, prompt = ?, model = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, sched.CronExpr, sched.Prompt, sched.Model, boolToInt(sched.Enabled), existingID); err != nil {
		return "", fmt.Errorf("update schedule: %w", err)
	}
	return existingID, nil
}

// ListEnabledSchedules returns every enabled schedule.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, project_id, prompt, model, enabled, last_run_at, created_at
		FROM schedules
		WHERE enabled = 1
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.ProjectID, &sched.Prompt, &sched.Model, &enabled, &lastRun, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun stamps the schedule's last trigger time.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, scheduleID)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
