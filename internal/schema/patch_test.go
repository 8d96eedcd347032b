package schema

import (
	"reflect"
	"testing"
	"time"
)

func newTestTask() *Task {
	created := time.UnixMilli(1000)
	due := time.UnixMilli(50_000)
	return &Task{
		ID:         "t-1",
		Title:      "Write report",
		Details:    "quarterly",
		Type:       TypeTodo,
		IsPriority: true,
		Tags:       []string{"work"},
		DueDate:    &due,
		Order:      2,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestPatch_Apply(t *testing.T) {
	now := time.UnixMilli(9000)
	task := newTestTask()
	tags := []string{"Home", "home"}

	Patch{
		Title:        ptr("  Write summary "),
		Tags:         &tags,
		ClearDueDate: true,
		Order:        ptr(0),
	}.Apply(task, now)

	if task.Title != "Write summary" {
		t.Errorf("title = %q", task.Title)
	}
	if !reflect.DeepEqual(task.Tags, []string{"home"}) {
		t.Errorf("tags = %v", task.Tags)
	}
	if task.DueDate != nil {
		t.Errorf("due date = %v, want nil", task.DueDate)
	}
	if task.Order != 0 {
		t.Errorf("order = %d", task.Order)
	}
	if task.Details != "quarterly" || !task.IsPriority {
		t.Error("untouched fields changed")
	}
	if !task.UpdatedAt.Equal(now) {
		t.Errorf("updated_at = %v, want %v", task.UpdatedAt, now)
	}
}

func TestPatch_ApplyCompletion(t *testing.T) {
	task := newTestTask()

	SetCompleted(true).Apply(task, time.UnixMilli(2000))
	if !task.Completed || task.CompletedAt == nil || task.CompletedAt.UnixMilli() != 2000 {
		t.Fatalf("completing did not stamp completed_at: %+v", task)
	}

	// Completing again keeps the original completion time.
	SetCompleted(true).Apply(task, time.UnixMilli(3000))
	if task.CompletedAt.UnixMilli() != 2000 {
		t.Errorf("completed_at moved to %v", task.CompletedAt)
	}

	SetCompleted(false).Apply(task, time.UnixMilli(4000))
	if task.Completed || task.CompletedAt != nil {
		t.Errorf("reopening did not clear completion: %+v", task)
	}
}

func TestPatch_InverseRestoresFields(t *testing.T) {
	before := newTestTask()
	task := before.Clone()
	newDue := time.UnixMilli(99_000)

	p := Patch{
		Title:      ptr("Other"),
		Completed:  ptr(true),
		IsPriority: ptr(false),
		DueDate:    &newDue,
	}
	inv := p.Inverse(before)
	p.Apply(task, time.UnixMilli(5000))
	inv.Apply(task, time.UnixMilli(6000))

	task.UpdatedAt = before.UpdatedAt
	if !reflect.DeepEqual(task, before) {
		t.Errorf("inverse did not restore task:\n got  %+v\n want %+v", task, before)
	}
}

func TestPatch_InverseOfClearedDueDate(t *testing.T) {
	before := newTestTask()
	before.DueDate = nil

	inv := Patch{DueDate: ptr(time.UnixMilli(1))}.Inverse(before)
	if !inv.ClearDueDate {
		t.Error("inverse of setting a due date on an undated task should clear it")
	}
}

func TestDiff(t *testing.T) {
	from := newTestTask()
	to := from.Clone()
	if p := Diff(from, to); !p.IsEmpty() {
		t.Fatalf("Diff of equal tasks = %+v, want empty", p)
	}

	to.Title = "Other"
	to.Tags = []string{"x"}
	to.DueDate = nil
	p := Diff(from, to)
	if p.Title == nil || *p.Title != "Other" || p.Tags == nil || !p.ClearDueDate {
		t.Fatalf("Diff() = %+v", p)
	}
	if p.Details != nil || p.Completed != nil || p.Order != nil || p.IsPriority != nil {
		t.Errorf("Diff() touched unchanged fields: %+v", p)
	}

	got := from.Clone()
	p.Apply(got, time.UnixMilli(7000))
	got.UpdatedAt = to.UpdatedAt
	if !reflect.DeepEqual(got, to) {
		t.Errorf("applying Diff did not produce target:\n got  %+v\n want %+v", got, to)
	}
}

func TestPatch_Validate(t *testing.T) {
	bad := TaskType("errand")
	tests := []struct {
		name    string
		patch   Patch
		wantErr bool
	}{
		{"empty", Patch{}, false},
		{"blank title", Patch{Title: ptr(" ")}, true},
		{"bad type", Patch{Type: &bad}, true},
		{"negative order", Patch{Order: ptr(-3)}, true},
		{"ok", Patch{Title: ptr("x"), Order: ptr(3)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.patch.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPatch_IsEmpty(t *testing.T) {
	if !(Patch{}).IsEmpty() {
		t.Error("zero patch should be empty")
	}
	if (Patch{ClearDueDate: true}).IsEmpty() {
		t.Error("ClearDueDate patch should not be empty")
	}
}
