package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolName       string    `json:"tool_name,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	Tokens         int       `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnsureProject creates the project row if absent.
func (s *Store) EnsureProject(ctx context.Context, projectID, name, workspacePath string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return fmt.Errorf("invalid project_id: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, workspace_path, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, projectID, name, workspacePath)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, workspace_path, created_at, updated_at FROM projects WHERE id = ?;
	`, projectID)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.WorkspacePath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select project: %w", err)
	}
	return &p, nil
}

// EnsureConversation creates the conversation row if absent. The project
// must already exist (enforced by the FK).
func (s *Store) EnsureConversation(ctx context.Context, conversationID, projectID string) error {
	if _, err := uuid.Parse(conversationID); err != nil {
		return fmt.Errorf("invalid conversation_id: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, created_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, conversationID, projectID)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// AddMessage appends one message to a conversation's history.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content, toolName, toolCallID string, tokens int) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, tool_name, tool_call_id, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, conversationID, role, content, toolName, toolCallID, tokens)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's unarchived history, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_name, tool_call_id, tokens, created_at
		FROM messages
		WHERE conversation_id = ? AND archived_at IS NULL
		ORDER BY id ASC
		LIMIT ?;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolName, &m.ToolCallID, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// ArchiveMessages hides history up to and including beforeID from the
// context assembler without deleting it.
func (s *Store) ArchiveMessages(ctx context.Context, conversationID string, beforeID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET archived_at = CURRENT_TIMESTAMP
		WHERE conversation_id = ? AND id <= ? AND archived_at IS NULL;
	`, conversationID, beforeID)
	if err != nil {
		return fmt.Errorf("archive messages: %w", err)
	}
	return nil
}
