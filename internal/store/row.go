package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasknest/tasknest/internal/schema"
)

// Row is the backend's shape of a task: snake_case fields and RFC 3339
// timestamps. It is the only place that knows the mapping, so the rest of
// the code works with schema.Task.
type Row struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id,omitempty"`
	WorkspaceID *string  `json:"workspace_id"`
	Title       string   `json:"title"`
	Details     *string  `json:"details"`
	Completed   bool     `json:"completed"`
	CompletedAt *string  `json:"completed_at"`
	Type        string   `json:"type"`
	IsPriority  bool     `json:"is_priority"`
	Tags        []string `json:"tags"`
	DueDate     *string  `json:"due_date"`
	AssignedTo  *string  `json:"assigned_to"`
	Order       int      `json:"order"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// RowFromTask converts the canonical task into the backend shape.
func RowFromTask(t *schema.Task) Row {
	return Row{
		ID:          t.ID,
		UserID:      t.UserID,
		WorkspaceID: optString(t.WorkspaceID),
		Title:       t.Title,
		Details:     optString(t.Details),
		Completed:   t.Completed,
		CompletedAt: FormatTimePtr(t.CompletedAt),
		Type:        string(t.Type),
		IsPriority:  t.IsPriority,
		Tags:        append([]string{}, t.Tags...),
		DueDate:     FormatTimePtr(t.DueDate),
		AssignedTo:  optString(t.AssignedTo),
		Order:       t.Order,
		CreatedAt:   FormatTime(t.CreatedAt),
		UpdatedAt:   FormatTime(t.UpdatedAt),
	}
}

// Task converts the row back into the canonical task.
func (r Row) Task() (*schema.Task, error) {
	t := &schema.Task{
		ID:         r.ID,
		UserID:     r.UserID,
		Title:      r.Title,
		Completed:  r.Completed,
		Type:       schema.TaskType(r.Type),
		IsPriority: r.IsPriority,
		Tags:       schema.NormalizeTags(r.Tags),
		Order:      r.Order,
	}
	if r.WorkspaceID != nil {
		t.WorkspaceID = *r.WorkspaceID
	}
	if r.Details != nil {
		t.Details = *r.Details
	}
	if r.AssignedTo != nil {
		t.AssignedTo = *r.AssignedTo
	}

	var err error
	if t.CreatedAt, err = ParseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("invalid created_at for task %s: %w", r.ID, err)
	}
	if t.UpdatedAt, err = ParseTime(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at for task %s: %w", r.ID, err)
	}
	if t.DueDate, err = ParseTimePtr(r.DueDate); err != nil {
		return nil, fmt.Errorf("invalid due_date for task %s: %w", r.ID, err)
	}
	if t.CompletedAt, err = ParseTimePtr(r.CompletedAt); err != nil {
		return nil, fmt.Errorf("invalid completed_at for task %s: %w", r.ID, err)
	}
	return t, nil
}

// PatchFields renders a patch as the snake_case partial-update body.
func PatchFields(p schema.Patch) map[string]any {
	fields := make(map[string]any)
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Details != nil {
		fields["details"] = *p.Details
	}
	if p.Completed != nil {
		fields["completed"] = *p.Completed
	}
	if p.Type != nil {
		fields["type"] = string(*p.Type)
	}
	if p.IsPriority != nil {
		fields["is_priority"] = *p.IsPriority
	}
	if p.Tags != nil {
		fields["tags"] = schema.NormalizeTags(*p.Tags)
	}
	if p.ClearDueDate {
		fields["due_date"] = nil
	} else if p.DueDate != nil {
		fields["due_date"] = FormatTime(*p.DueDate)
	}
	if p.AssignedTo != nil {
		fields["assigned_to"] = *p.AssignedTo
	}
	if p.Order != nil {
		fields["order"] = *p.Order
	}
	return fields
}

// PatchFromFields is the inverse of PatchFields. Unknown keys are rejected
// so a client cannot write columns it does not own (timestamps, owner).
func PatchFromFields(raw map[string]json.RawMessage) (schema.Patch, error) {
	var p schema.Patch
	for key, value := range raw {
		var err error
		switch key {
		case "title":
			p.Title = new(string)
			err = json.Unmarshal(value, p.Title)
		case "details":
			p.Details = new(string)
			err = json.Unmarshal(value, p.Details)
		case "completed":
			p.Completed = new(bool)
			err = json.Unmarshal(value, p.Completed)
		case "type":
			p.Type = new(schema.TaskType)
			err = json.Unmarshal(value, p.Type)
		case "is_priority":
			p.IsPriority = new(bool)
			err = json.Unmarshal(value, p.IsPriority)
		case "tags":
			p.Tags = new([]string)
			err = json.Unmarshal(value, p.Tags)
		case "due_date":
			var s *string
			if err = json.Unmarshal(value, &s); err == nil {
				if s == nil {
					p.ClearDueDate = true
				} else {
					var due time.Time
					if due, err = ParseTime(*s); err == nil {
						p.DueDate = &due
					}
				}
			}
		case "assigned_to":
			p.AssignedTo = new(string)
			err = json.Unmarshal(value, p.AssignedTo)
		case "order":
			p.Order = new(int)
			err = json.Unmarshal(value, p.Order)
		default:
			return schema.Patch{}, fmt.Errorf("field %q cannot be updated", key)
		}
		if err != nil {
			return schema.Patch{}, fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return p, nil
}

// FormatTime renders a timestamp the way the backend stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatTimePtr is FormatTime for optional timestamps.
func FormatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

// ParseTime parses a backend timestamp, truncated to milliseconds.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return schema.Millis(t), nil
}

// ParseTimePtr is ParseTime for optional timestamps.
func ParseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FrameReady is the Kind of the frame a feed server sends once the
// subscription is live. It carries no event.
const FrameReady = "ready"

// Frame is one message on a websocket change feed.
type Frame struct {
	Kind        string `json:"kind"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Task        *Row   `json:"task,omitempty"`
}

// FrameFromEvent converts a change event into its wire frame.
func FrameFromEvent(ev ChangeEvent) Frame {
	f := Frame{
		Kind:        string(ev.Kind),
		WorkspaceID: ev.WorkspaceID,
		TaskID:      ev.TaskID,
	}
	if ev.Task != nil {
		row := RowFromTask(ev.Task)
		f.Task = &row
	}
	return f
}

// Event converts a frame back into a change event.
func (f Frame) Event() (ChangeEvent, error) {
	ev := ChangeEvent{
		Kind:        EventKind(f.Kind),
		WorkspaceID: f.WorkspaceID,
		TaskID:      f.TaskID,
	}
	switch ev.Kind {
	case EventInsert, EventUpdate:
		if f.Task == nil {
			return ChangeEvent{}, fmt.Errorf("%s frame for task %s has no task", f.Kind, f.TaskID)
		}
		t, err := f.Task.Task()
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("invalid task in %s frame: %w", f.Kind, err)
		}
		ev.Task = t
	case EventDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return ev, nil
}
