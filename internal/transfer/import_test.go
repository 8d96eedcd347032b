package transfer

import (
	"context"
	"testing"

	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
)

func newTarget(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func findTitle(tasks []*schema.Task, title string) *schema.Task {
	for _, t := range tasks {
		if t.Title == title {
			return t
		}
	}
	return nil
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	o := newTarget(t)
	if _, err := o.CreateTask(ctx, orchestrator.Draft{Title: "Eggs", Type: schema.TypeShopping}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	doc := Document{Tasks: []Task{
		{ID: "old-1", Title: "Pay rent", Type: "todo", Priority: true, Tags: []string{"home"}},
		{Title: "eggs", Type: "shopping"},
		{Title: "Old chore", Completed: true},
		{Title: "   "},
		{Title: "Widget", Type: "gadgets"},
	}}

	result, err := Import(ctx, o, doc, ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 1 || len(result.Errors) != 2 {
		t.Errorf("result = %+v, want 2 imported, 1 skipped, 2 errors", result)
	}

	tasks := o.Tasks()
	rent := findTitle(tasks, "Pay rent")
	if rent == nil {
		t.Fatal("Pay rent was not imported")
	}
	if rent.ID == "old-1" {
		t.Error("imported task reused the id from the file")
	}
	if !rent.IsPriority || !rent.HasTag("home") {
		t.Errorf("Pay rent = %+v, want priority with tag home", rent)
	}
	chore := findTitle(tasks, "Old chore")
	if chore == nil || !chore.Completed || chore.Type != schema.TypeTodo {
		t.Errorf("Old chore = %+v, want a completed to-do", chore)
	}
}

func TestImport_DryRun(t *testing.T) {
	o := newTarget(t)
	doc := Document{Tasks: []Task{{Title: "A"}, {Title: "a"}, {Title: "B", Type: "shopping"}}}

	result, err := Import(context.Background(), o, doc, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 2 imported and 1 skipped", result)
	}
	if n := len(o.Tasks()); n != 0 {
		t.Errorf("dry run created %d tasks", n)
	}
}

func TestImport_KeepDuplicates(t *testing.T) {
	o := newTarget(t)
	doc := Document{Tasks: []Task{{Title: "Milk", Type: "shopping"}, {Title: "Milk", Type: "shopping"}}}

	result, err := Import(context.Background(), o, doc, ImportOptions{KeepDuplicates: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Imported != 2 || len(o.Tasks()) != 2 {
		t.Errorf("result = %+v with %d tasks, want both imported", result, len(o.Tasks()))
	}
}
