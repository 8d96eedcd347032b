package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
)

// Target is where imported tasks are created. *orchestrator.Orchestrator
// satisfies it.
type Target interface {
	Tasks() []*schema.Task
	CreateTask(ctx context.Context, d orchestrator.Draft) (*schema.Task, error)
	ToggleCompletion(ctx context.Context, id string, completed bool) (*orchestrator.Undo, error)
}

// ImportOptions controls Import.
type ImportOptions struct {
	// DryRun counts what would be imported without creating anything.
	DryRun bool
	// KeepDuplicates imports tasks even when an open task with the same
	// title already exists in the same list.
	KeepDuplicates bool
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	// Pending counts tasks kept on this device because the workspace was
	// not reachable.
	Pending int      `json:"pending"`
	Errors  []string `json:"errors,omitempty"`
}

// Import creates a new task for every entry in doc. Ids and timestamps in
// the document are not reused, so importing the same file twice into
// different workspaces is safe.
func Import(ctx context.Context, target Target, doc Document, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	seen := make(map[string]bool)
	for _, t := range target.Tasks() {
		if !t.Completed {
			seen[dupKey(string(t.Type), t.Title)] = true
		}
	}

	for i, entry := range doc.Tasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		draft, err := entry.Draft()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %d (%q): %v", i+1, entry.Title, err))
			continue
		}

		key := dupKey(string(draft.Type), draft.Title)
		if !opts.KeepDuplicates && !entry.Completed && seen[key] {
			result.Skipped++
			continue
		}
		if opts.DryRun {
			seen[key] = true
			result.Imported++
			continue
		}

		created, err := target.CreateTask(ctx, draft)
		pending := errors.Is(err, orchestrator.ErrWorkspaceNotReady)
		if created == nil || (err != nil && !pending) {
			result.Errors = append(result.Errors, fmt.Sprintf("task %d (%q): %v", i+1, entry.Title, err))
			continue
		}
		seen[key] = true
		if pending {
			result.Pending++
		} else {
			result.Imported++
		}

		if entry.Completed {
			if _, err := target.ToggleCompletion(ctx, created.ID, true); err != nil && !errors.Is(err, orchestrator.ErrWorkspaceNotReady) {
				result.Errors = append(result.Errors, fmt.Sprintf("task %d (%q): failed to complete: %v", i+1, entry.Title, err))
			}
		}
	}
	return result, nil
}

// Draft converts an imported entry into input for CreateTask. A missing type
// means the to-do list.
func (t Task) Draft() (orchestrator.Draft, error) {
	d := orchestrator.Draft{
		Title:      strings.TrimSpace(t.Title),
		Details:    t.Details,
		Type:       schema.TypeTodo,
		IsPriority: t.Priority,
		Tags:       t.Tags,
		AssignedTo: t.AssignedTo,
	}
	if t.Type != "" {
		typ, err := schema.ParseTaskType(t.Type)
		if err != nil {
			return d, err
		}
		d.Type = typ
	}
	if t.Due != nil {
		due := *t.Due
		d.DueDate = &due
	}
	if d.Title == "" {
		return d, errors.New("title is required")
	}
	return d, nil
}

func dupKey(typ, title string) string {
	return typ + "\x00" + strings.ToLower(strings.TrimSpace(title))
}
