package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tasknest/tasknest/internal/conflict"
	"github.com/tasknest/tasknest/internal/schema"
)

// Undo reverses one completion toggle. It can be applied once, before it
// expires. An attempt rejected as a conflict or because the workspace is
// not ready does not count. It is not a timed auto-revert: nothing happens unless Apply is
// called.
type Undo struct {
	o       *Orchestrator
	taskID  string
	patch   schema.Patch
	expires time.Time

	mu   sync.Mutex
	used bool
}

// TaskID returns the task the undo applies to.
func (u *Undo) TaskID() string { return u.taskID }

// ExpiresAt returns the end of the undo window.
func (u *Undo) ExpiresAt() time.Time { return u.expires }

// Apply restores the fields the toggle changed by issuing the inverse
// update. Concurrent calls are serialized.
func (u *Undo) Apply(ctx context.Context) (*schema.Task, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.used {
		return nil, ErrUndoUsed
	}
	if u.o.now().After(u.expires) {
		return nil, ErrUndoExpired
	}

	t, err := u.o.UpdateTask(ctx, u.taskID, u.patch)
	if errors.Is(err, conflict.ErrConflict) || errors.Is(err, ErrWorkspaceNotReady) {
		return t, err
	}
	u.used = true
	return t, err
}

// UndoToken is the portable form of an Undo, for a caller that applies it
// from a later process.
type UndoToken struct {
	TaskID    string    `yaml:"task_id" json:"task_id"`
	Completed bool      `yaml:"completed" json:"completed"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
}

// Token returns the portable form of u.
func (u *Undo) Token() UndoToken {
	tok := UndoToken{TaskID: u.taskID, ExpiresAt: u.expires}
	if u.patch.Completed != nil {
		tok.Completed = *u.patch.Completed
	}
	return tok
}

// ResumeUndo rebuilds an Undo from a token. The expiry is kept, so a token
// older than the undo window fails with ErrUndoExpired.
func (o *Orchestrator) ResumeUndo(tok UndoToken) *Undo {
	return &Undo{
		o:       o,
		taskID:  tok.TaskID,
		patch:   schema.SetCompleted(tok.Completed),
		expires: tok.ExpiresAt,
	}
}
