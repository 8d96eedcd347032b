// Package store defines the contract between the sync core and the backend
// that holds the authoritative task collection.
//
// Two implementations live in subpackages:
//
//	sqlstore  embedded SQLite backend with an in-process change feed
//	remote    client for a hub server (HTTP for operations, websocket feed)
//
// Both stamp UpdatedAt with their own clock on every write. Callers must treat
// the returned Task as canonical.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tasknest/tasknest/internal/schema"
)

var (
	// ErrNotFound is returned when a task or workspace does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when inserting a task whose id is taken.
	ErrExists = errors.New("already exists")

	// ErrInvalid is returned when a task or update fails validation.
	ErrInvalid = errors.New("invalid")

	// ErrUnavailable is returned when the backend cannot be reached or
	// failed to process the request. It is transient from the caller's view.
	ErrUnavailable = errors.New("backend unavailable")
)

// Store is the task side of the backend.
type Store interface {
	// ListTasks returns the workspace's tasks ordered by Order ascending.
	ListTasks(ctx context.Context, workspaceID string) ([]*schema.Task, error)

	// InsertTask stores a new task and returns it with canonical timestamps.
	// Returns ErrExists if the id is taken.
	InsertTask(ctx context.Context, task *schema.Task) (*schema.Task, error)

	// UpdateTask applies a partial update and returns the new canonical row.
	// Returns ErrNotFound if the task does not exist.
	UpdateTask(ctx context.Context, id string, patch schema.Patch) (*schema.Task, error)

	// DeleteTask removes a task. Deleting a missing task is not an error.
	DeleteTask(ctx context.Context, id string) error

	// GetUpdatedAt is a cheap point read used before every commit.
	// Returns ErrNotFound if the task does not exist.
	GetUpdatedAt(ctx context.Context, id string) (time.Time, error)

	// Subscribe delivers change events for one workspace to h, in commit
	// order, until the returned Unsubscribe is called or ctx ends. A
	// subscription that ends any other way delivers EventLost last.
	Subscribe(ctx context.Context, workspaceID string, h Handler) (Unsubscribe, error)
}

// Workspaces resolves which collaboration scope a user works in.
type Workspaces interface {
	// FindActiveWorkspace returns the workspace the user joined most
	// recently, or "" if the user belongs to none.
	FindActiveWorkspace(ctx context.Context, userID string) (string, error)

	// IsMember reports whether the user belongs to the workspace.
	IsMember(ctx context.Context, userID, workspaceID string) (bool, error)

	// CreateWorkspace creates a workspace owned by the user.
	CreateWorkspace(ctx context.Context, userID string) (string, error)

	// MigrateOrphanTasks moves the user's workspace-less tasks into the
	// workspace and returns how many moved.
	MigrateOrphanTasks(ctx context.Context, userID, workspaceID string) (int, error)
}

// Backend is everything the orchestrator needs from the server side.
type Backend interface {
	Store
	Workspaces
}

// EventKind is the type of change carried by a ChangeEvent.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	// EventLost is the last event of a subscription whose connection
	// dropped. It is never sent over the wire and carries no task.
	EventLost EventKind = "lost"
)

// ChangeEvent is one notification from the change feed.
// Task is nil for deletes.
type ChangeEvent struct {
	Kind        EventKind    `json:"kind"`
	WorkspaceID string       `json:"workspace_id"`
	TaskID      string       `json:"task_id"`
	Task        *schema.Task `json:"-"`
}

// Handler receives change events. It is called from a single goroutine per
// subscription, so events for one subscription never run concurrently.
type Handler func(ChangeEvent)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()
