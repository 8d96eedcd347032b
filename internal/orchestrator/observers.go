package orchestrator

import (
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

// Observers run synchronously on the goroutine that made the change. They
// must not call back into the orchestrator's mutating operations.

// OnWorkspaceChanged registers fn to run whenever the bound workspace changes.
func (o *Orchestrator) OnWorkspaceChanged(fn func(workspaceID string)) (cancel func()) {
	return register(o, o.workspaceObs, fn)
}

// OnTasksChanged registers fn to receive the collection, in display order,
// after every change.
func (o *Orchestrator) OnTasksChanged(fn func(tasks []*schema.Task)) (cancel func()) {
	return register(o, o.tasksObs, fn)
}

// OnNotice registers fn to receive user-facing notices.
func (o *Orchestrator) OnNotice(fn func(Notice)) (cancel func()) {
	return register(o, o.noticeObs, fn)
}

// OnStateChanged registers fn to run on every state transition.
func (o *Orchestrator) OnStateChanged(fn func(State)) (cancel func()) {
	return register(o, o.stateObs, fn)
}

// OnFeedEvent registers fn to see every change event received from the
// backend feed after it was folded.
func (o *Orchestrator) OnFeedEvent(fn func(store.ChangeEvent)) (cancel func()) {
	return register(o, o.feedObs, fn)
}

func register[T any](o *Orchestrator, set map[int]T, fn T) func() {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	id := o.nextObs
	o.nextObs++
	set[id] = fn
	return func() {
		o.obsMu.Lock()
		defer o.obsMu.Unlock()
		delete(set, id)
	}
}

func snapshotObservers[T any](o *Orchestrator, set map[int]T) []T {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	fns := make([]T, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

func (o *Orchestrator) emitWorkspace(id string) {
	for _, fn := range snapshotObservers(o, o.workspaceObs) {
		fn(id)
	}
}

func (o *Orchestrator) emitTasks(tasks []*schema.Task) {
	for _, fn := range snapshotObservers(o, o.tasksObs) {
		fn(schema.CloneAll(tasks))
	}
}

func (o *Orchestrator) emitNotice(n Notice) {
	for _, fn := range snapshotObservers(o, o.noticeObs) {
		fn(n)
	}
}

func (o *Orchestrator) emitState(s State) {
	for _, fn := range snapshotObservers(o, o.stateObs) {
		fn(s)
	}
}

func (o *Orchestrator) emitFeedEvent(ev store.ChangeEvent) {
	for _, fn := range snapshotObservers(o, o.feedObs) {
		fn(ev)
	}
}
