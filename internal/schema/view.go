package schema

import (
	"sort"
	"time"
)

// SortForDisplay orders tasks by Order, breaking ties by creation time and
// then by ID so the result is stable across devices. Order values are only
// advisory, so ties are expected.
func SortForDisplay(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Partition returns the tasks of one type, in display order.
func Partition(tasks []*Task, typ TaskType) []*Task {
	var out []*Task
	for _, t := range tasks {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	SortForDisplay(out)
	return out
}

// Archived returns completed tasks, most recently updated first.
func Archived(tasks []*Task) []*Task {
	var out []*Task
	for _, t := range tasks {
		if t.Completed {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// BadgeCount counts open tasks that need attention today: priority tasks and
// tasks due at or before the end of now's day.
func BadgeCount(tasks []*Task, now time.Time) int {
	y, m, d := now.Date()
	endOfDay := time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), now.Location())

	count := 0
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		due := t.DueDate != nil && !t.DueDate.After(endOfDay)
		if t.IsPriority || due {
			count++
		}
	}
	return count
}

// Tags returns every tag in use, sorted.
func Tags(tasks []*Task) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		for _, tag := range t.Tags {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	sort.Strings(out)
	return out
}

// IndexOf returns the position of the task with id, or -1.
func IndexOf(tasks []*Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
