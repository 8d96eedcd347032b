package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/transfer"
	"github.com/tasknest/tasknest/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title]",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a task to the to-do or shopping list.

With no title on an interactive terminal, a form asks for the details.
Due dates accept dates (2026-06-01, "2026-06-01 09:00") or phrases such as
"tomorrow 9am" and "next friday".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		draft, err := draftFromFlags(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if draft.Title == "" {
			if !ui.IsTerminal(cmd.InOrStdin()) || !ui.IsTerminal(cmd.OutOrStdout()) {
				return fmt.Errorf("a title is required")
			}
			if err := runAddForm(&draft); err != nil {
				return err
			}
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.orch.CreateTask(cmd.Context(), draft)
		if task == nil {
			return err
		}
		if err := a.settle(err); err != nil {
			return err
		}
		return printTask(cmd, "Added", task)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		archived, _ := cmd.Flags().GetBool("archived")
		priority, _ := cmd.Flags().GetBool("priority")
		tag, _ := cmd.Flags().GetString("tag")
		typeFlag, _ := cmd.Flags().GetString("type")

		tasks := a.orch.Tasks()
		if archived {
			tasks = schema.Archived(tasks)
		} else {
			tasks = filterTasks(tasks, func(t *schema.Task) bool { return !t.Completed })
		}
		if priority {
			tasks = filterTasks(tasks, func(t *schema.Task) bool { return t.IsPriority })
		}
		if tag != "" {
			tag = strings.ToLower(strings.TrimSpace(tag))
			tasks = filterTasks(tasks, func(t *schema.Task) bool { return t.HasTag(tag) })
		}
		var types []schema.TaskType
		if typeFlag != "" {
			typ, err := schema.ParseTaskType(typeFlag)
			if err != nil {
				return err
			}
			types = []schema.TaskType{typ}
		} else {
			types = []schema.TaskType{schema.TypeTodo, schema.TypeShopping}
		}

		if jsonOutput {
			out := []transfer.Task{}
			for _, typ := range types {
				for _, t := range partitionOrArchive(tasks, typ, archived) {
					out = append(out, transfer.FromTask(t))
				}
			}
			return writeJSON(cmd, out)
		}

		now := time.Now()
		titles := map[schema.TaskType]string{schema.TypeTodo: "To-do", schema.TypeShopping: "Shopping"}
		for i, typ := range types {
			if i > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			title := titles[typ]
			if archived {
				title += " (archive)"
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.RenderList(title, partitionOrArchive(tasks, typ, archived), now))
		}
		if badge := schema.BadgeCount(a.orch.Tasks(), now); badge > 0 && !archived {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s %d need attention today\n", ui.RenderWarn("!"), badge)
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <task>",
	GroupID: "tasks",
	Short:   "Change a task's fields",
	Long: `Change a task's fields. Only the flags given are changed.
Use --due none to clear the due date.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			return fmt.Errorf("nothing to change; pass at least one flag")
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.resolveTask(args[0])
		if err != nil {
			return err
		}
		updated, err := a.orch.UpdateTask(cmd.Context(), task.ID, patch)
		if err := a.settle(err); err != nil {
			return err
		}
		if updated == nil {
			updated, _ = a.orch.Task(task.ID)
		}
		return printTask(cmd, "Updated", updated)
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <task>",
	GroupID: "tasks",
	Short:   "Mark a task completed",
	Long: `Mark a task completed. For a few seconds afterwards, 'nest undo'
reopens it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reopen, _ := cmd.Flags().GetBool("reopen")

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.resolveTask(args[0])
		if err != nil {
			return err
		}
		undo, err := a.orch.ToggleCompletion(cmd.Context(), task.ID, !reopen)
		if err := a.settle(err); err != nil {
			return err
		}
		if undo != nil {
			if err := saveUndo(undo.Token()); err != nil {
				logger.WithError(err).Warn("Failed to remember undo")
			}
		}

		verb := "Completed"
		if reopen {
			verb = "Reopened"
		}
		current, _ := a.orch.Task(task.ID)
		if current == nil {
			current = task
		}
		if err := printTask(cmd, verb, current); err != nil {
			return err
		}
		if undo != nil && !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", ui.RenderMuted(fmt.Sprintf("undo with 'nest undo' within %s", cfg.Sync.UndoWindow)))
		}
		return nil
	},
}

var undoCmd = &cobra.Command{
	Use:     "undo",
	GroupID: "tasks",
	Short:   "Reverse the last done",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := loadUndo()
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.orch.ResumeUndo(tok).Apply(cmd.Context())
		clearUndo()
		if err := a.settle(err); err != nil {
			return err
		}
		if task == nil {
			task, _ = a.orch.Task(tok.TaskID)
		}
		if task == nil {
			return fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, tok.TaskID)
		}
		return printTask(cmd, "Restored", task)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <task>...",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete tasks",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, ref := range args {
			task, err := a.resolveTask(ref)
			if err != nil {
				return err
			}
			if err := a.settle(a.orch.DeleteTask(cmd.Context(), task.ID)); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), task.Title)
			}
		}
		return nil
	},
}

var reorderCmd = &cobra.Command{
	Use:     "reorder <task>...",
	GroupID: "tasks",
	Short:   "Set the order of tasks in one list",
	Long: `Set the order of tasks in one list. The tasks are placed first to
last in the order given. All tasks must belong to the same list.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids := make([]string, 0, len(args))
		for _, ref := range args {
			task, err := a.resolveTask(ref)
			if err != nil {
				return err
			}
			ids = append(ids, task.ID)
		}
		if err := a.settle(a.orch.ReorderTasks(cmd.Context(), ids)); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		first, _ := a.orch.Task(ids[0])
		fmt.Fprint(cmd.OutOrStdout(), ui.RenderList("Reordered", schema.Partition(a.orch.Tasks(), first.Type), time.Now()))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{addCmd, editCmd} {
		cmd.Flags().StringP("type", "t", "", "list: todo or shopping")
		cmd.Flags().BoolP("priority", "p", false, "mark as priority")
		cmd.Flags().StringSlice("tag", nil, "tag (repeatable)")
		cmd.Flags().String("due", "", `due date, e.g. 2026-06-01 or "tomorrow 9am"`)
		cmd.Flags().String("details", "", "longer description")
		cmd.Flags().String("assign", "", "assign to a user")
	}
	editCmd.Flags().String("title", "", "new title")

	listCmd.Flags().StringP("type", "t", "", "only this list: todo or shopping")
	listCmd.Flags().Bool("archived", false, "show completed tasks")
	listCmd.Flags().BoolP("priority", "p", false, "only priority tasks")
	listCmd.Flags().String("tag", "", "only tasks with this tag")

	doneCmd.Flags().Bool("reopen", false, "mark the task open again")

	rootCmd.AddCommand(addCmd, listCmd, editCmd, doneCmd, undoCmd, rmCmd, reorderCmd)
}

func draftFromFlags(cmd *cobra.Command, title string) (orchestrator.Draft, error) {
	d := orchestrator.Draft{Title: strings.TrimSpace(title)}
	flags := cmd.Flags()

	if s, _ := flags.GetString("type"); s != "" {
		typ, err := schema.ParseTaskType(s)
		if err != nil {
			return d, err
		}
		d.Type = typ
	}
	d.IsPriority, _ = flags.GetBool("priority")
	d.Tags, _ = flags.GetStringSlice("tag")
	d.Details, _ = flags.GetString("details")
	d.AssignedTo, _ = flags.GetString("assign")
	if s, _ := flags.GetString("due"); s != "" {
		due, err := parseDue(s, time.Now())
		if err != nil {
			return d, err
		}
		d.DueDate = due
	}
	return d, nil
}

func patchFromFlags(cmd *cobra.Command) (schema.Patch, error) {
	var p schema.Patch
	flags := cmd.Flags()

	if flags.Changed("title") {
		s, _ := flags.GetString("title")
		p.Title = &s
	}
	if flags.Changed("details") {
		s, _ := flags.GetString("details")
		p.Details = &s
	}
	if flags.Changed("type") {
		s, _ := flags.GetString("type")
		typ, err := schema.ParseTaskType(s)
		if err != nil {
			return p, err
		}
		p.Type = &typ
	}
	if flags.Changed("priority") {
		b, _ := flags.GetBool("priority")
		p.IsPriority = &b
	}
	if flags.Changed("tag") {
		tags, _ := flags.GetStringSlice("tag")
		p.Tags = &tags
	}
	if flags.Changed("assign") {
		s, _ := flags.GetString("assign")
		p.AssignedTo = &s
	}
	if flags.Changed("due") {
		s, _ := flags.GetString("due")
		if strings.EqualFold(s, "none") {
			p.ClearDueDate = true
		} else {
			due, err := parseDue(s, time.Now())
			if err != nil {
				return p, err
			}
			p.DueDate = due
		}
	}
	return p, nil
}

func filterTasks(tasks []*schema.Task, keep func(*schema.Task) bool) []*schema.Task {
	var out []*schema.Task
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// partitionOrArchive keeps the archive's recency order and otherwise sorts
// for display.
func partitionOrArchive(tasks []*schema.Task, typ schema.TaskType, archived bool) []*schema.Task {
	if !archived {
		return schema.Partition(tasks, typ)
	}
	return filterTasks(tasks, func(t *schema.Task) bool { return t.Type == typ })
}

func printTask(cmd *cobra.Command, verb string, t *schema.Task) error {
	if jsonOutput {
		return writeJSON(cmd, transfer.FromTask(t))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", ui.RenderPass("✓"), verb, ui.RenderTask(t, time.Now()))
	return nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
