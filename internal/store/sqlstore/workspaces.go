package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/store"
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// FindActiveWorkspace returns the workspace the user joined most recently.
func (s *Store) FindActiveWorkspace(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx, `
		SELECT workspace_id FROM workspace_members
		WHERE user_id = ?
		ORDER BY joined_at DESC, rowid DESC
		LIMIT 1`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find workspace for user %s: %w", userID, err)
	}
	return id, nil
}

// IsMember reports whether the user belongs to the workspace.
func (s *Store) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx,
		`SELECT 1 FROM workspace_members WHERE user_id = ? AND workspace_id = ?`,
		userID, workspaceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// CreateWorkspace creates a workspace and adds the user as its owner.
func (s *Store) CreateWorkspace(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	id := uuid.NewString()
	now := s.stamp().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, owner_id, created_at) VALUES (?, ?, ?)`,
		id, userID, now); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspace_members (workspace_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
		id, userID, RoleOwner, now); err != nil {
		return "", fmt.Errorf("failed to add workspace owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"workspace_id": id, "user_id": userID}).Info("Created workspace")
	return id, nil
}

// AddMember adds a user to an existing workspace. Adding an existing member
// is a no-op.
func (s *Store) AddMember(ctx context.Context, workspaceID, userID, role string) error {
	if role == "" {
		role = RoleMember
	}
	if err := s.requireWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, user_id) DO NOTHING`,
		workspaceID, userID, role, s.stamp().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add member %s to workspace %s: %w", userID, workspaceID, err)
	}
	return nil
}

// MigrateOrphanTasks moves the user's workspace-less tasks into workspaceID.
// Each moved task is published as an update in that workspace.
func (s *Store) MigrateOrphanTasks(ctx context.Context, userID, workspaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWorkspace(ctx, workspaceID); err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE user_id = ? AND workspace_id IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to query orphan tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan orphan task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating orphan tasks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := s.stamp().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET workspace_id = ?, updated_at = MAX(updated_at, ?)
		WHERE user_id = ? AND workspace_id IS NULL`,
		workspaceID, now, userID); err != nil {
		return 0, fmt.Errorf("failed to migrate orphan tasks: %w", err)
	}

	var events []store.ChangeEvent
	for _, id := range ids {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		events = append(events, store.ChangeEvent{Kind: store.EventUpdate, WorkspaceID: workspaceID, TaskID: id, Task: t})
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, ev := range events {
		s.publishLocked(ev)
	}
	s.logger.WithFields(logrus.Fields{"workspace_id": workspaceID, "user_id": userID, "count": len(ids)}).Info("Migrated orphan tasks")
	return len(ids), nil
}
