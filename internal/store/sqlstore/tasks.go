package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

const taskColumns = `id, user_id, workspace_id, title, details, completed, completed_at,
	type, is_priority, tags, due_date, assigned_to, "order", created_at, updated_at`

// ListTasks returns the workspace's tasks ordered by order, then creation.
func (s *Store) ListTasks(ctx context.Context, workspaceID string) ([]*schema.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE workspace_id = ?
		ORDER BY "order" ASC, created_at ASC, id ASC`

	rows, err := s.conn.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	return getTask(ctx, s.conn, id)
}

// InsertTask stores a new task. The store assigns created_at and updated_at.
// Returns store.ErrExists if the id is taken.
func (s *Store) InsertTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	t := task.Clone()
	now := s.stamp()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Tags = schema.NormalizeTags(t.Tags)
	if t.Completed && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w task: %w", store.ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.WorkspaceID != "" {
		if err := s.requireWorkspace(ctx, t.WorkspaceID); err != nil {
			return nil, err
		}
	}

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	res, err := s.conn.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		nullString(t.WorkspaceID),
		t.Title,
		t.Details,
		t.Completed,
		nullMillis(t.CompletedAt),
		string(t.Type),
		t.IsPriority,
		string(tags),
		nullMillis(t.DueDate),
		t.AssignedTo,
		t.Order,
		t.CreatedAt.UnixMilli(),
		t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %s: %w", t.ID, store.ErrExists)
	}

	s.publishLocked(store.ChangeEvent{Kind: store.EventInsert, WorkspaceID: t.WorkspaceID, TaskID: t.ID, Task: t})
	return t.Clone(), nil
}

// UpdateTask applies patch and stamps updated_at with the store clock.
func (s *Store) UpdateTask(ctx context.Context, id string, patch schema.Patch) (*schema.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("%w update: %w", store.ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	previous := t.UpdatedAt
	patch.Apply(t, s.stamp())
	if t.UpdatedAt.Before(previous) {
		t.UpdatedAt = previous
	}

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	const query = `UPDATE tasks SET
		title = ?, details = ?, completed = ?, completed_at = ?, type = ?,
		is_priority = ?, tags = ?, due_date = ?, assigned_to = ?, "order" = ?,
		updated_at = ?
		WHERE id = ?`
	_, err = tx.ExecContext(ctx, query,
		t.Title,
		t.Details,
		t.Completed,
		nullMillis(t.CompletedAt),
		string(t.Type),
		t.IsPriority,
		string(tags),
		nullMillis(t.DueDate),
		t.AssignedTo,
		t.Order,
		t.UpdatedAt.UnixMilli(),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publishLocked(store.ChangeEvent{Kind: store.EventUpdate, WorkspaceID: t.WorkspaceID, TaskID: t.ID, Task: t})
	return t.Clone(), nil
}

// DeleteTask removes a task. Returns nil if the task doesn't exist (idempotent).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var workspaceID sql.NullString
	err := s.conn.QueryRowContext(ctx, `SELECT workspace_id FROM tasks WHERE id = ?`, id).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up task %s: %w", id, err)
	}

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	s.publishLocked(store.ChangeEvent{Kind: store.EventDelete, WorkspaceID: workspaceID.String, TaskID: id})
	return nil
}

// GetUpdatedAt returns the canonical updated_at of a task.
func (s *Store) GetUpdatedAt(ctx context.Context, id string) (time.Time, error) {
	var ms int64
	err := s.conn.QueryRowContext(ctx, `SELECT updated_at FROM tasks WHERE id = ?`, id).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read updated_at for task %s: %w", id, err)
	}
	return time.UnixMilli(ms), nil
}

// PurgeCompleted deletes tasks completed before cutoff and publishes a delete
// event for each. It returns the number of tasks removed.
func (s *Store) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, workspace_id FROM tasks WHERE completed = 1 AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to query archived tasks: %w", err)
	}
	var doomed []store.ChangeEvent
	for rows.Next() {
		var id string
		var ws sql.NullString
		if err := rows.Scan(&id, &ws); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan archived task: %w", err)
		}
		doomed = append(doomed, store.ChangeEvent{Kind: store.EventDelete, WorkspaceID: ws.String, TaskID: id})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating archived tasks: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, ev := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, ev.TaskID); err != nil {
			return 0, fmt.Errorf("failed to purge task %s: %w", ev.TaskID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, ev := range doomed {
		s.publishLocked(ev)
	}
	return len(doomed), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q queryer, id string) (*schema.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*schema.Task, error) {
	var (
		t                    schema.Task
		workspaceID          sql.NullString
		typ, tags            string
		completedAt, dueDate sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&workspaceID,
		&t.Title,
		&t.Details,
		&t.Completed,
		&completedAt,
		&typ,
		&t.IsPriority,
		&tags,
		&dueDate,
		&t.AssignedTo,
		&t.Order,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.WorkspaceID = workspaceID.String
	t.Type = schema.TaskType(typ)
	t.CompletedAt = millisPtr(completedAt)
	t.DueDate = millisPtr(dueDate)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)

	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	tasks := []*schema.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) requireWorkspace(ctx context.Context, id string) error {
	var one int
	err := s.conn.QueryRowContext(ctx, `SELECT 1 FROM workspaces WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workspace %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up workspace %s: %w", id, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
