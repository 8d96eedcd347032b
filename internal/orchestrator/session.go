package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

// Start loads the cached collection and, when a user is signed in and a
// backend is configured, resolves the workspace and syncs. A failed
// resolution leaves the orchestrator Resolving with the cached tasks
// displayed; Refresh retries it.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.transition.Lock()
	defer o.transition.Unlock()

	tasks, _ := o.loadCache(ctx)
	o.commit(func([]*schema.Task) ([]*schema.Task, bool) {
		return tasks, true
	}, false)

	user, err := o.session.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	o.mu.Lock()
	o.userID = user
	o.mu.Unlock()

	if user == "" || o.backend == nil {
		o.logger.WithField("task_count", len(tasks)).Info("Started in local-only mode")
		return nil
	}

	o.setState(StateResolving)
	return o.resolveAndSync(ctx, "")
}

// SignIn records userID as the current user and syncs with its workspace.
// Tasks created while signed out are pushed to that workspace.
func (o *Orchestrator) SignIn(ctx context.Context, userID string) error {
	if o.backend == nil {
		return ErrNoBackend
	}

	o.transition.Lock()
	defer o.transition.Unlock()

	if err := o.session.SignIn(ctx, userID); err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}
	user, err := o.session.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	o.mu.Lock()
	o.userID = user
	o.mu.Unlock()
	o.logger.WithField("user_id", user).Info("Signed in")

	o.setState(StateResolving)
	return o.resolveAndSync(ctx, "")
}

// SignOut ends the session, drops the subscription and clears the task
// collection. The workspace selection stays cached for the next sign-in.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	o.transition.Lock()
	defer o.transition.Unlock()

	err := o.session.SignOut(ctx)
	if o.listener != nil {
		o.listener.Stop()
	}

	o.mu.Lock()
	hadWorkspace := o.workspaceID != ""
	o.userID = ""
	o.workspaceID = ""
	o.mu.Unlock()
	o.setState(StateUnauthenticated)

	o.mutate(func([]*schema.Task) ([]*schema.Task, bool) {
		return []*schema.Task{}, true
	})
	if hadWorkspace {
		o.emitWorkspace("")
	}
	o.logger.Info("Signed out")

	if err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// SwitchWorkspace binds the session to workspaceID, which the user must be a
// member of, and re-syncs.
func (o *Orchestrator) SwitchWorkspace(ctx context.Context, workspaceID string) error {
	if o.backend == nil {
		return ErrNoBackend
	}

	o.transition.Lock()
	defer o.transition.Unlock()

	o.mu.Lock()
	user, state, current := o.userID, o.state, o.workspaceID
	o.mu.Unlock()

	if state == StateUnauthenticated || user == "" {
		return ErrNotSignedIn
	}
	if state == StateSynced && current == workspaceID {
		return nil
	}

	ok, err := o.backend.IsMember(ctx, user, workspaceID)
	if err != nil {
		return &RemoteError{Op: OpResolve, Err: err}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, workspaceID)
	}

	o.unbind()
	return o.resolveAndSync(ctx, workspaceID)
}

// Refresh is called when the app regains visibility. A synced session
// resubscribes and re-fetches everything, a resolving one retries
// resolution, and a signed-out one re-reads the local cache.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.transition.Lock()
	defer o.transition.Unlock()

	o.mu.Lock()
	state, ws := o.state, o.workspaceID
	o.mu.Unlock()

	switch state {
	case StateSynced:
		if err := o.listener.Start(ctx, ws); err != nil {
			return &RemoteError{Op: OpFetch, Err: err}
		}
		return o.reload(ctx, ws)
	case StateResolving:
		return o.resolveAndSync(ctx, "")
	default:
		o.reloadCacheLocked(ctx)
		return nil
	}
}

// feedLost runs on the feed reader's goroutine when the change feed for ws
// drops. It must not block; the reconnect runs on its own goroutine.
func (o *Orchestrator) feedLost(ws string) {
	o.logger.WithField("workspace_id", ws).Warn("Change feed lost, reconnecting")
	o.emitNotice(Notice{
		Level:   NoticeWarning,
		Message: "Live updates were interrupted; reconnecting",
		Err:     store.ErrUnavailable,
	})
	go o.resubscribe(ws)
}

// resubscribe starts a new feed for ws and reloads, so changes missed while
// disconnected are picked up. It gives up if the session moved on.
func (o *Orchestrator) resubscribe(ws string) {
	o.transition.Lock()
	defer o.transition.Unlock()

	o.mu.Lock()
	bound := !o.closed && o.state == StateSynced && o.workspaceID == ws
	o.mu.Unlock()
	if !bound {
		return
	}

	// The subscription outlives this call, so it gets no deadline.
	ctx := context.Background()
	var err error
	if serr := o.listener.Start(ctx, ws); serr != nil {
		err = &RemoteError{Op: OpFetch, Err: serr}
	} else {
		err = o.reload(ctx, ws)
	}
	if err != nil {
		o.logger.WithError(err).WithField("workspace_id", ws).Warn("Failed to reconnect change feed")
		o.emitNotice(Notice{
			Level:   NoticeError,
			Message: "Live updates stopped; refresh to reconnect",
			Err:     err,
		})
		return
	}
	o.logger.WithField("workspace_id", ws).Info("Change feed reconnected")
}

// ReloadCache replaces the collection with the cached snapshot when signed
// out. It is how another process's writes to a shared cache become visible.
func (o *Orchestrator) ReloadCache(ctx context.Context) {
	o.transition.Lock()
	defer o.transition.Unlock()
	o.reloadCacheLocked(ctx)
}

func (o *Orchestrator) reloadCacheLocked(ctx context.Context) {
	if o.State() != StateUnauthenticated {
		return
	}
	tasks, _ := o.loadCache(ctx)
	o.commit(func([]*schema.Task) ([]*schema.Task, bool) {
		if o.state != StateUnauthenticated {
			return nil, false
		}
		return tasks, true
	}, false)
}

// unbind drops the current workspace so that late events and remote results
// for it are discarded.
func (o *Orchestrator) unbind() {
	if o.listener != nil {
		o.listener.Stop()
	}
	o.mu.Lock()
	o.workspaceID = ""
	o.mu.Unlock()
	o.setState(StateResolving)
}

// resolveAndSync runs the Resolving state to completion: pick the workspace,
// subscribe, fetch, then push local orphans. explicit, when set, is tried
// before the cached selection. Callers hold o.transition.
func (o *Orchestrator) resolveAndSync(ctx context.Context, explicit string) error {
	user := o.UserID()
	log := o.logger.WithField("user_id", user)

	ws, err := o.resolveWorkspace(ctx, user, explicit)
	if err != nil {
		log.WithError(err).Warn("Workspace resolution failed")
		o.emitNotice(Notice{Level: NoticeError, Message: "Could not reach your workspace", Err: err})
		return &RemoteError{Op: OpResolve, Err: err}
	}

	o.mu.Lock()
	if o.state == StateUnauthenticated || o.userID != user {
		o.mu.Unlock()
		return ErrNotSignedIn
	}
	changed := o.workspaceID != ws
	o.workspaceID = ws
	o.mu.Unlock()

	o.saveWorkspace(ctx, ws)
	if changed {
		o.emitWorkspace(ws)
	}
	log = log.WithField("workspace_id", ws)

	if n, err := o.backend.MigrateOrphanTasks(ctx, user, ws); err != nil {
		log.WithError(err).Warn("Failed to migrate orphan tasks")
		o.emitNotice(Notice{Level: NoticeWarning, Message: "Some earlier tasks could not be moved to your workspace", Err: err})
	} else if n > 0 {
		log.WithField("count", n).Info("Migrated orphan tasks")
	}

	// Subscribe before fetching; reload replays what the feed delivers
	// while the fetch runs.
	if err := o.listener.Start(ctx, ws); err != nil {
		log.WithError(err).Warn("Failed to subscribe to change feed")
		return &RemoteError{Op: OpFetch, Err: err}
	}
	if err := o.reload(ctx, ws); err != nil {
		o.listener.Stop()
		log.WithError(err).Warn("Initial fetch failed")
		o.emitNotice(Notice{Level: NoticeError, Message: "Could not load tasks", Err: err})
		return err
	}

	o.mu.Lock()
	bound := o.workspaceID == ws && o.state != StateUnauthenticated
	o.mu.Unlock()
	if !bound {
		return nil
	}
	o.setState(StateSynced)
	log.Info("Workspace synced")

	o.pushOrphans(ctx, ws, user)
	return nil
}

// resolveWorkspace picks the workspace for user: explicit or the cached
// selection while the user is still a member, else the most recently joined
// membership, else a new workspace owned by the user.
func (o *Orchestrator) resolveWorkspace(ctx context.Context, user, explicit string) (string, error) {
	candidate := explicit
	if candidate == "" {
		candidate = o.loadCachedWorkspace(ctx)
	}

	if candidate != "" {
		ok, err := o.backend.IsMember(ctx, user, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check membership of workspace %s: %w", candidate, err)
		}
		if ok {
			return candidate, nil
		}
		o.logger.WithFields(logrus.Fields{
			"user_id":      user,
			"workspace_id": candidate,
		}).Info("No longer a member of selected workspace")
		o.saveWorkspace(ctx, "")
	}

	ws, err := o.backend.FindActiveWorkspace(ctx, user)
	if err != nil {
		return "", fmt.Errorf("failed to find workspace: %w", err)
	}
	if ws != "" {
		return ws, nil
	}

	ws, err = o.backend.CreateWorkspace(ctx, user)
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	o.logger.WithFields(logrus.Fields{
		"user_id":      user,
		"workspace_id": ws,
	}).Info("Created workspace")
	return ws, nil
}

// reload replaces the collection with the store's tasks for ws. Local
// orphans are kept so they can still be pushed. Feed events folded while
// ListTasks runs are replayed onto its result, since the snapshot may have
// been taken before they were committed.
func (o *Orchestrator) reload(ctx context.Context, ws string) error {
	folds := &foldLog{workspaceID: ws}
	o.mu.Lock()
	o.fetches = append(o.fetches, folds)
	o.mu.Unlock()

	fetched, err := o.backend.ListTasks(ctx, ws)
	if err != nil {
		o.mu.Lock()
		o.endFetchLocked(folds)
		o.mu.Unlock()
		return &RemoteError{Op: OpFetch, Err: err}
	}

	o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
		o.endFetchLocked(folds)
		if o.state == StateUnauthenticated || o.workspaceID != ws {
			return current, false
		}
		next := schema.CloneAll(fetched)
		for _, t := range current {
			if t.IsOrphan() && schema.IndexOf(next, t.ID) < 0 {
				next = append(next, t.Clone())
			}
		}
		return folds.replay(next), true
	})
	return nil
}

// pushOrphans inserts local tasks without a workspace into ws. A task stays
// an orphan locally until its insert succeeds, so a failed push is retried
// on the next resolution.
func (o *Orchestrator) pushOrphans(ctx context.Context, ws, user string) {
	o.mu.Lock()
	var orphans []*schema.Task
	for _, t := range o.tasks {
		if t.IsOrphan() {
			orphans = append(orphans, t.Clone())
		}
	}
	o.mu.Unlock()

	var failed []error
	for _, t := range orphans {
		basis := t.UpdatedAt
		t.WorkspaceID = ws
		if t.UserID == "" {
			t.UserID = user
		}

		canonical, err := o.backend.InsertTask(ctx, t)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrExists):
			canonical = t
		default:
			o.logger.WithError(err).WithField("task_id", t.ID).Warn("Failed to push local task")
			failed = append(failed, err)
			continue
		}

		// An edit made while the insert was in flight only reached the
		// local copy; it is stamped and sent as a follow-up update.
		var edited *schema.Task
		o.mutate(func(current []*schema.Task) ([]*schema.Task, bool) {
			i := schema.IndexOf(current, t.ID)
			if o.workspaceID != ws || i < 0 || !current[i].IsOrphan() {
				return current, false
			}
			next := append([]*schema.Task(nil), current...)
			if current[i].UpdatedAt.Equal(basis) {
				next[i] = canonical.Clone()
			} else {
				stamped := current[i].Clone()
				stamped.WorkspaceID = ws
				stamped.UserID = t.UserID
				next[i] = stamped
				edited = stamped.Clone()
			}
			return next, true
		})
		if edited == nil {
			continue
		}
		p := schema.Diff(canonical, edited)
		if p.IsEmpty() {
			continue
		}
		updated, err := o.backend.UpdateTask(ctx, t.ID, p)
		if err != nil {
			o.logger.WithError(err).WithField("task_id", t.ID).Warn("Failed to push edit of local task")
			failed = append(failed, err)
			continue
		}
		o.foldCanonical(ws, edited.UpdatedAt, updated)
	}

	if len(failed) > 0 {
		o.emitNotice(Notice{
			Level:   NoticeWarning,
			Message: fmt.Sprintf("%d local tasks could not be uploaded yet", len(failed)),
			Err:     errors.Join(failed...),
		})
	}
}
