// Package schema provides the canonical task data structure shared by the
// cache, the stores and the sync orchestrator.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskType partitions tasks into the to-do list and the shopping list.
type TaskType string

const (
	TypeTodo     TaskType = "todo"
	TypeShopping TaskType = "shopping"
)

// Valid reports whether the type is one of the known partitions.
func (t TaskType) Valid() bool {
	return t == TypeTodo || t == TypeShopping
}

// ParseTaskType converts user input into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "todo", "todos", "to-do":
		return TypeTodo, nil
	case "shopping", "shop":
		return TypeShopping, nil
	default:
		return "", fmt.Errorf("unknown task type %q (want todo or shopping)", s)
	}
}

// MaxTitleLength bounds the display title.
const MaxTitleLength = 500

// Task is a single to-do or shopping item.
//
// UpdatedAt drives conflict detection: the store's clock is authoritative for
// it, and a locally held copy is never replaced by an older remote version.
type Task struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Content =====
	Title   string   `json:"title"`
	Details string   `json:"details,omitempty"`
	Type    TaskType `json:"type"`

	// ===== State =====
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	IsPriority  bool       `json:"isPriority"`

	// ===== Classification & Scheduling =====
	Tags       []string   `json:"tags"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	Order      int        `json:"order"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ===== Ownership =====
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// NewID returns a fresh collision-free task identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, len(t.Title))
	}
	if !t.Type.Valid() {
		return fmt.Errorf("type must be todo or shopping (got %q)", t.Type)
	}
	if t.Order < 0 {
		return fmt.Errorf("order must not be negative (got %d)", t.Order)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults(now time.Time) {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Type == "" {
		t.Type = TypeTodo
	}
	t.Tags = NormalizeTags(t.Tags)
	now = Millis(now)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Completed && t.CompletedAt == nil {
		at := t.UpdatedAt
		t.CompletedAt = &at
	}
}

// Touch bumps UpdatedAt. Call it after every local mutation.
func (t *Task) Touch(now time.Time) {
	t.UpdatedAt = Millis(now)
}

// IsOrphan reports whether the task was created before any workspace existed.
func (t *Task) IsOrphan() bool {
	return t.WorkspaceID == ""
}

// Clone returns a deep copy, so callers can hand out snapshots without
// sharing slices or time pointers with the live collection.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string{}, t.Tags...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// CloneAll deep-copies a collection.
func CloneAll(tasks []*Task) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}

// NormalizeTags lowercases and trims tags, dropping empties and duplicates
// while keeping first-seen order for display.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// HasTag reports whether the task carries tag, ignoring case.
func (t *Task) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// Millis truncates a time to the millisecond precision the stores keep.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}
