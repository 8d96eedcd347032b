// Package feed folds change notifications from the store into the local task
// collection.
package feed

import (
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

// Apply folds one event into tasks and reports whether anything changed.
// The input slice is never modified; a changed collection is a new slice.
//
//   - insert adds the task unless its id is already present, so the echo of
//     a local optimistic insert is a no-op
//   - update replaces a known task unless the event is older than the local
//     copy; unknown ids are ignored
//   - delete removes the task unconditionally
func Apply(tasks []*schema.Task, ev store.ChangeEvent) ([]*schema.Task, bool) {
	idx := schema.IndexOf(tasks, ev.TaskID)

	switch ev.Kind {
	case store.EventInsert:
		if ev.Task == nil || idx >= 0 {
			return tasks, false
		}
		out := make([]*schema.Task, 0, len(tasks)+1)
		out = append(out, tasks...)
		return append(out, ev.Task.Clone()), true

	case store.EventUpdate:
		if ev.Task == nil || idx < 0 {
			return tasks, false
		}
		if ev.Task.UpdatedAt.Before(tasks[idx].UpdatedAt) {
			return tasks, false
		}
		out := append([]*schema.Task(nil), tasks...)
		out[idx] = ev.Task.Clone()
		return out, true

	case store.EventDelete:
		if idx < 0 {
			return tasks, false
		}
		out := make([]*schema.Task, 0, len(tasks)-1)
		out = append(out, tasks[:idx]...)
		return append(out, tasks[idx+1:]...), true
	}

	return tasks, false
}
