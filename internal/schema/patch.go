package schema

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Patch is a partial update. Nil fields are left untouched.
//
// DueDate cannot express "clear" through a nil pointer, so ClearDueDate
// removes the deadline and wins over DueDate.
type Patch struct {
	Title        *string
	Details      *string
	Completed    *bool
	Type         *TaskType
	IsPriority   *bool
	Tags         *[]string
	DueDate      *time.Time
	ClearDueDate bool
	AssignedTo   *string
	Order        *int
}

// IsEmpty reports whether applying the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Details == nil && p.Completed == nil &&
		p.Type == nil && p.IsPriority == nil && p.Tags == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.AssignedTo == nil && p.Order == nil
}

// Validate rejects patches that would leave the task invalid.
func (p Patch) Validate() error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return fmt.Errorf("title is required")
		}
		if len(title) > MaxTitleLength {
			return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, len(title))
		}
	}
	if p.Type != nil && !p.Type.Valid() {
		return fmt.Errorf("type must be todo or shopping (got %q)", *p.Type)
	}
	if p.Order != nil && *p.Order < 0 {
		return fmt.Errorf("order must not be negative (got %d)", *p.Order)
	}
	return nil
}

// Apply merges the patch into t and bumps UpdatedAt to now.
// CompletedAt follows the Completed flag.
func (p Patch) Apply(t *Task, now time.Time) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Details != nil {
		t.Details = *p.Details
	}
	if p.Completed != nil && *p.Completed != t.Completed {
		t.Completed = *p.Completed
		if t.Completed {
			at := Millis(now)
			t.CompletedAt = &at
		} else {
			t.CompletedAt = nil
		}
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.IsPriority != nil {
		t.IsPriority = *p.IsPriority
	}
	if p.Tags != nil {
		t.Tags = NormalizeTags(*p.Tags)
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	t.Touch(now)
}

// Inverse returns the patch that restores, on a task that had p applied,
// every field p touches back to its value in before.
func (p Patch) Inverse(before *Task) Patch {
	var inv Patch
	if p.Title != nil {
		inv.Title = ptr(before.Title)
	}
	if p.Details != nil {
		inv.Details = ptr(before.Details)
	}
	if p.Completed != nil {
		inv.Completed = ptr(before.Completed)
	}
	if p.Type != nil {
		inv.Type = ptr(before.Type)
	}
	if p.IsPriority != nil {
		inv.IsPriority = ptr(before.IsPriority)
	}
	if p.Tags != nil {
		tags := append([]string{}, before.Tags...)
		inv.Tags = &tags
	}
	if p.DueDate != nil || p.ClearDueDate {
		if before.DueDate == nil {
			inv.ClearDueDate = true
		} else {
			inv.DueDate = ptr(*before.DueDate)
		}
	}
	if p.AssignedTo != nil {
		inv.AssignedTo = ptr(before.AssignedTo)
	}
	if p.Order != nil {
		inv.Order = ptr(before.Order)
	}
	return inv
}

// Diff returns the patch that turns from into to, touching only the fields
// that differ. Timestamps and ownership are not compared.
func Diff(from, to *Task) Patch {
	var p Patch
	if from.Title != to.Title {
		p.Title = ptr(to.Title)
	}
	if from.Details != to.Details {
		p.Details = ptr(to.Details)
	}
	if from.Completed != to.Completed {
		p.Completed = ptr(to.Completed)
	}
	if from.Type != to.Type {
		p.Type = ptr(to.Type)
	}
	if from.IsPriority != to.IsPriority {
		p.IsPriority = ptr(to.IsPriority)
	}
	if !slices.Equal(from.Tags, to.Tags) {
		tags := append([]string{}, to.Tags...)
		p.Tags = &tags
	}
	switch {
	case to.DueDate == nil && from.DueDate != nil:
		p.ClearDueDate = true
	case to.DueDate != nil && (from.DueDate == nil || !from.DueDate.Equal(*to.DueDate)):
		p.DueDate = ptr(*to.DueDate)
	}
	if from.AssignedTo != to.AssignedTo {
		p.AssignedTo = ptr(to.AssignedTo)
	}
	if from.Order != to.Order {
		p.Order = ptr(to.Order)
	}
	return p
}

// Builders for the common single-field patches.

// SetCompleted marks a task done or open.
func SetCompleted(completed bool) Patch { return Patch{Completed: &completed} }
func SetOrder(order int) Patch          { return Patch{Order: &order} }
func SetTitle(title string) Patch       { return Patch{Title: &title} }

func ptr[T any](v T) *T { return &v }
