package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/tasknest/tasknest/internal/schema"
)

// ShortIDLength is how much of a task id list output shows.
const ShortIDLength = 8

// ShortID trims id for display.
func ShortID(id string) string {
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}

// RenderTask renders one task as a single line.
func RenderTask(t *schema.Task, now time.Time) string {
	var b strings.Builder

	check := "[ ]"
	if t.Completed {
		check = RenderPass("[x]")
	}
	b.WriteString(RenderMuted(ShortID(t.ID)))
	b.WriteString(" ")
	b.WriteString(check)
	b.WriteString(" ")

	if t.IsPriority {
		b.WriteString(priorityStyle.Render("!"))
		b.WriteString(" ")
	}

	if t.Completed {
		b.WriteString(doneStyle.Render(t.Title))
	} else {
		b.WriteString(t.Title)
	}

	for _, tag := range t.Tags {
		b.WriteString(" ")
		b.WriteString(tagStyle.Render("#" + tag))
	}

	if t.DueDate != nil {
		b.WriteString(" ")
		b.WriteString(renderDue(*t.DueDate, now, t.Completed))
	}
	if t.AssignedTo != "" {
		b.WriteString(" ")
		b.WriteString(RenderMuted("@" + t.AssignedTo))
	}
	return b.String()
}

func renderDue(due, now time.Time, completed bool) string {
	label := "due " + FormatDue(due, now)
	if !completed && due.Before(now) {
		return overdueStyle.Render(label)
	}
	return RenderMuted(label)
}

// FormatDue renders a due date relative to now where that reads better.
func FormatDue(due, now time.Time) string {
	due = due.In(now.Location())
	dy, dm, dd := due.Date()
	ny, nm, nd := now.Date()
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, now.Location())
	day := time.Date(dy, dm, dd, 0, 0, 0, 0, now.Location())

	switch days := int(day.Sub(today).Hours() / 24); {
	case days == 0:
		return "today " + due.Format("15:04")
	case days == 1:
		return "tomorrow " + due.Format("15:04")
	case days == -1:
		return "yesterday " + due.Format("15:04")
	case dy == ny:
		return due.Format("Jan 2 15:04")
	default:
		return due.Format("Jan 2 2006 15:04")
	}
}

// RenderList renders a titled list of tasks, or a placeholder when empty.
func RenderList(title string, tasks []*schema.Task, now time.Time) string {
	var b strings.Builder
	b.WriteString(RenderHeader(fmt.Sprintf("%s (%d)", title, len(tasks))))
	b.WriteString("\n")
	if len(tasks) == 0 {
		b.WriteString(RenderMuted("  nothing here"))
		b.WriteString("\n")
		return b.String()
	}
	for _, t := range tasks {
		b.WriteString("  ")
		b.WriteString(RenderTask(t, now))
		b.WriteString("\n")
	}
	return b.String()
}
