package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/conflict"
	"github.com/tasknest/tasknest/internal/schema"
)

// CreateTask adds a task at the end of its partition and commits it.
//
// The task is in the collection and the cache before the backend is called,
// so a returned task is always usable. When the error is a *RemoteError the
// task stays local; when it is ErrWorkspaceNotReady the task is pushed once
// resolution completes.
func (o *Orchestrator) CreateTask(ctx context.Context, d Draft) (*schema.Task, error) {
	now := schema.Millis(o.now())
	t := &schema.Task{
		ID:         o.newID(),
		Title:      strings.TrimSpace(d.Title),
		Details:    d.Details,
		Type:       d.Type,
		IsPriority: d.IsPriority,
		Tags:       d.Tags,
		AssignedTo: d.AssignedTo,
	}
	if d.DueDate != nil {
		due := *d.DueDate
		t.DueDate = &due
	}
	t.SetDefaults(now)
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	var ws string
	var readyErr error
	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		ws, readyErr = o.remoteReadyLocked()
		t.UserID = o.userID
		t.WorkspaceID = ws
		t.Order = len(schema.Partition(current, t.Type))
		next := append(append(make([]*schema.Task, 0, len(current)+1), current...), t.Clone())
		return next, true
	})

	log := o.logger.WithFields(logrus.Fields{"task_id": t.ID, "workspace_id": ws})
	if readyErr != nil {
		log.Debug("Created task locally, workspace not ready")
		return t.Clone(), readyErr
	}
	if ws == "" {
		log.Debug("Created task locally")
		return t.Clone(), nil
	}

	canonical, err := o.backend.InsertTask(ctx, t)
	if err != nil {
		return t.Clone(), o.recoverFrom(ctx, OpCreate, t.ID, ws, err)
	}
	o.foldCanonical(ws, t.UpdatedAt, canonical)
	log.Debug("Created task")
	return canonical.Clone(), nil
}

// UpdateTask applies p to the task optimistically, checks the store's copy
// for staleness, and commits. A stale edit is dropped and the collection is
// reloaded; the returned error then matches conflict.ErrConflict.
func (o *Orchestrator) UpdateTask(ctx context.Context, id string, p schema.Patch) (*schema.Task, error) {
	after, _, err := o.update(ctx, OpUpdate, id, p)
	return after, err
}

// update is UpdateTask that also returns the task as it was before p.
func (o *Orchestrator) update(ctx context.Context, op OpKind, id string, p schema.Patch) (after, before *schema.Task, err error) {
	if err := p.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid patch: %w", err)
	}
	if p.IsEmpty() {
		t, ok := o.Task(id)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return t, t.Clone(), nil
	}

	now := o.now()
	var ws string
	var readyErr error
	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		i := schema.IndexOf(current, id)
		if i < 0 {
			return current, false
		}
		before = current[i].Clone()
		patched := current[i].Clone()
		p.Apply(patched, now)
		after = patched.Clone()

		ws, readyErr = o.remoteReadyLocked()
		if patched.IsOrphan() && readyErr == nil {
			ws = ""
		}
		next := append([]*schema.Task(nil), current...)
		next[i] = patched
		return next, true
	})
	if before == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if readyErr != nil {
		return after, before, readyErr
	}
	if ws == "" {
		return after, before, nil
	}

	if err := o.resolver.Check(ctx, id, before.UpdatedAt); err != nil {
		gone, cerr := o.checkFailed(ctx, op, ws, before, after, err)
		if gone {
			return nil, before, cerr
		}
		return after, before, cerr
	}

	canonical, err := o.backend.UpdateTask(ctx, id, p)
	if err != nil {
		if isNotFound(err) {
			o.dropLocal(ws, id)
			return nil, before, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return after, before, o.recoverFrom(ctx, op, id, ws, err)
	}
	o.foldCanonical(ws, after.UpdatedAt, canonical)
	return canonical.Clone(), before, nil
}

// DeleteTask removes the task locally and from the store. A failed remote
// delete reloads the collection, so the task reappears.
func (o *Orchestrator) DeleteTask(ctx context.Context, id string) error {
	var removed *schema.Task
	var ws string
	var readyErr error
	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		i := schema.IndexOf(current, id)
		if i < 0 {
			return current, false
		}
		removed = current[i].Clone()
		ws, readyErr = o.remoteReadyLocked()
		if removed.IsOrphan() && readyErr == nil {
			ws = ""
		}
		next := make([]*schema.Task, 0, len(current)-1)
		next = append(next, current[:i]...)
		return append(next, current[i+1:]...), true
	})
	if removed == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if readyErr != nil {
		return readyErr
	}
	if ws == "" {
		return nil
	}

	if err := o.resolver.Check(ctx, id, removed.UpdatedAt); err != nil {
		var conflictErr *conflict.ConflictError
		switch {
		case isNotFound(err):
			return nil
		case errors.As(err, &conflictErr):
			o.conflicted(ctx, ws, id, err)
			return err
		default:
			return o.recoverFrom(ctx, OpDelete, id, ws, err)
		}
	}
	if err := o.backend.DeleteTask(ctx, id); err != nil {
		return o.recoverFrom(ctx, OpDelete, id, ws, err)
	}
	o.logger.WithField("task_id", id).Debug("Deleted task")
	return nil
}

// ToggleCompletion marks the task completed or open. The returned Undo
// reverses exactly this change for Config.UndoWindow. It is nil when
// nothing was changed, or when the change was dropped as a conflict.
func (o *Orchestrator) ToggleCompletion(ctx context.Context, id string, completed bool) (*Undo, error) {
	p := schema.SetCompleted(completed)
	after, before, err := o.update(ctx, OpUpdate, id, p)
	if after == nil || before == nil || errors.Is(err, conflict.ErrConflict) {
		return nil, err
	}
	return &Undo{
		o:       o,
		taskID:  id,
		patch:   p.Inverse(before),
		expires: o.now().Add(o.cfg.UndoWindow),
	}, err
}

// ReorderTasks sets Order to the list position for every listed task. All
// ids must belong to the same partition; tasks of other partitions are never
// touched. Each changed task is checked and committed on its own, and the
// collection is reloaded once at the end if any commit failed.
func (o *Orchestrator) ReorderTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("at least one task id is required")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("duplicate task id %s", id)
		}
		seen[id] = true
	}

	type move struct {
		id     string
		order  int
		basis  time.Time
		stamp  time.Time
		orphan bool
	}
	var (
		moves    []move
		ws       string
		readyErr error
		invalid  error
	)
	now := o.now()
	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		var typ schema.TaskType
		for n, id := range ids {
			i := schema.IndexOf(current, id)
			if i < 0 {
				invalid = fmt.Errorf("%w: %s", ErrTaskNotFound, id)
				return current, false
			}
			if n == 0 {
				typ = current[i].Type
			} else if current[i].Type != typ {
				invalid = fmt.Errorf("task %s is not in the %s list", id, typ)
				return current, false
			}
		}

		ws, readyErr = o.remoteReadyLocked()
		next := append([]*schema.Task(nil), current...)
		for n, id := range ids {
			i := schema.IndexOf(next, id)
			if next[i].Order == n {
				continue
			}
			moved := next[i].Clone()
			basis := moved.UpdatedAt
			schema.SetOrder(n).Apply(moved, now)
			next[i] = moved
			moves = append(moves, move{id: id, order: n, basis: basis, stamp: moved.UpdatedAt, orphan: moved.IsOrphan()})
		}
		return next, len(moves) > 0
	})
	if invalid != nil {
		return invalid
	}
	if len(moves) == 0 {
		return nil
	}
	if readyErr != nil {
		return readyErr
	}
	if ws == "" {
		return nil
	}

	var errs []error
	conflicted := false
	for _, m := range moves {
		if m.orphan {
			continue
		}
		if err := o.resolver.Check(ctx, m.id, m.basis); err != nil {
			switch {
			case isNotFound(err):
				o.dropLocal(ws, m.id)
			case errors.Is(err, conflict.ErrConflict):
				conflicted = true
				errs = append(errs, err)
			default:
				errs = append(errs, &RemoteError{Op: OpReorder, TaskID: m.id, Err: err})
			}
			continue
		}
		canonical, err := o.backend.UpdateTask(ctx, m.id, schema.SetOrder(m.order))
		if err != nil {
			if isNotFound(err) {
				o.dropLocal(ws, m.id)
				continue
			}
			errs = append(errs, &RemoteError{Op: OpReorder, TaskID: m.id, Err: err})
			continue
		}
		o.foldCanonical(ws, m.stamp, canonical)
	}
	if len(errs) == 0 {
		return nil
	}

	err := errors.Join(errs...)
	o.logger.WithError(err).WithField("failed", len(errs)).Warn("Reorder partially failed")
	if conflicted || o.cfg.Recovery.For(OpReorder) == ReloadOnFailure {
		if rerr := o.reload(ctx, ws); rerr != nil {
			o.logger.WithError(rerr).Warn("Reload after reorder failed")
		}
	}
	level, msg := NoticeError, "Could not save the new order"
	if conflicted {
		level, msg = NoticeWarning, "The list was changed on another device; order refreshed"
	}
	o.emitNotice(Notice{Level: level, Message: msg, Err: err})
	return err
}

// checkFailed handles a failed conflict check for an update. gone reports
// that the task no longer exists.
func (o *Orchestrator) checkFailed(ctx context.Context, op OpKind, ws string, before, after *schema.Task, err error) (gone bool, _ error) {
	var conflictErr *conflict.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		// Drop the optimistic patch unless something newer replaced it.
		o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
			i := schema.IndexOf(current, before.ID)
			if o.workspaceID != ws || i < 0 || !current[i].UpdatedAt.Equal(after.UpdatedAt) {
				return current, false
			}
			next := append([]*schema.Task(nil), current...)
			next[i] = before.Clone()
			return next, true
		})
		o.conflicted(ctx, ws, before.ID, err)
		return false, err
	case isNotFound(err):
		o.dropLocal(ws, before.ID)
		return true, fmt.Errorf("%w: %s", ErrTaskNotFound, before.ID)
	default:
		return false, o.recoverFrom(ctx, op, before.ID, ws, err)
	}
}

// conflicted reloads after a rejected edit and tells the user.
func (o *Orchestrator) conflicted(ctx context.Context, ws, id string, err error) {
	if rerr := o.reload(ctx, ws); rerr != nil {
		o.logger.WithError(rerr).WithField("task_id", id).Warn("Reload after conflict failed")
	}
	o.emitNotice(Notice{
		Level:   NoticeWarning,
		Message: "This task was changed on another device; your edit was discarded",
		TaskID:  id,
		Err:     err,
	})
}

// recoverFrom applies the recovery policy for op after a failed remote call and
// returns the error to hand to the caller.
func (o *Orchestrator) recoverFrom(ctx context.Context, op OpKind, id, ws string, err error) error {
	rerr := &RemoteError{Op: op, TaskID: id, Err: err}
	recovery := o.cfg.Recovery.For(op)
	o.logger.WithError(err).WithFields(logrus.Fields{
		"task_id":  id,
		"op":       op.String(),
		"recovery": recovery.String(),
	}).Warn("Remote operation failed")

	if recovery == ReloadOnFailure {
		if lerr := o.reload(ctx, ws); lerr != nil {
			o.logger.WithError(lerr).Warn("Reload after failure failed")
		}
	}
	o.emitNotice(Notice{Level: NoticeError, Message: rerr.Error(), TaskID: id, Err: rerr})
	return rerr
}

// foldCanonical replaces the local task with the store's copy if the local
// copy is still the one that was committed.
func (o *Orchestrator) foldCanonical(ws string, committed time.Time, canonical *schema.Task) {
	if canonical == nil {
		return
	}
	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		i := schema.IndexOf(current, canonical.ID)
		if o.workspaceID != ws || i < 0 || !current[i].UpdatedAt.Equal(committed) {
			return current, false
		}
		next := append([]*schema.Task(nil), current...)
		next[i] = canonical.Clone()
		return next, true
	})
}

// dropLocal removes a task the store no longer has.
func (o *Orchestrator) dropLocal(ws, id string) {
	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		i := schema.IndexOf(current, id)
		if o.workspaceID != ws || i < 0 {
			return current, false
		}
		next := make([]*schema.Task, 0, len(current)-1)
		next = append(next, current[:i]...)
		return append(next, current[i+1:]...), true
	})
}
