// Package transfer moves task lists in and out of nest as JSON, JSON Lines,
// YAML or TOML documents.
package transfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tasknest/tasknest/internal/schema"
)

// Format names accepted by Encode and Decode.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
	FormatTOML  = "toml"
)

// Task is the portable shape of a task. It is also the --json output of the
// CLI.
type Task struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Title       string     `json:"title" yaml:"title" toml:"title"`
	Details     string     `json:"details,omitempty" yaml:"details,omitempty" toml:"details,omitempty"`
	Type        string     `json:"type" yaml:"type" toml:"type"`
	Completed   bool       `json:"completed" yaml:"completed" toml:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty" toml:"completed_at,omitempty"`
	Priority    bool       `json:"priority" yaml:"priority" toml:"priority"`
	Tags        []string   `json:"tags" yaml:"tags" toml:"tags"`
	Due         *time.Time `json:"due,omitempty" yaml:"due,omitempty" toml:"due,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty" toml:"assigned_to,omitempty"`
	Order       int        `json:"order" yaml:"order" toml:"order"`
	WorkspaceID string     `json:"workspace_id,omitempty" yaml:"workspace_id,omitempty" toml:"workspace_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty" toml:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty" yaml:"updated_at,omitempty" toml:"updated_at,omitempty"`
}

// FromTask converts a task into its portable shape.
func FromTask(t *schema.Task) Task {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return Task{
		ID:          t.ID,
		Title:       t.Title,
		Details:     t.Details,
		Type:        string(t.Type),
		Completed:   t.Completed,
		CompletedAt: t.CompletedAt,
		Priority:    t.IsPriority,
		Tags:        tags,
		Due:         t.DueDate,
		AssignedTo:  t.AssignedTo,
		Order:       t.Order,
		WorkspaceID: t.WorkspaceID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// Document is an exported task list. TOML needs the tasks under a table, so
// every format uses the same wrapper.
type Document struct {
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at" toml:"exported_at"`
	Workspace  string    `json:"workspace,omitempty" yaml:"workspace,omitempty" toml:"workspace,omitempty"`
	Tasks      []Task    `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// NewDocument builds a document from tasks.
func NewDocument(workspaceID string, tasks []*schema.Task, now time.Time) Document {
	doc := Document{
		ExportedAt: now.UTC().Truncate(time.Second),
		Workspace:  workspaceID,
		Tasks:      make([]Task, 0, len(tasks)),
	}
	for _, t := range tasks {
		doc.Tasks = append(doc.Tasks, FromTask(t))
	}
	return doc
}

// FormatFromPath guesses the format from a file extension, or returns "".
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return ""
	}
}

func normalize(format string) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json, jsonl, yaml or toml)", format)
	}
}

// Encode writes doc to w. JSON Lines carries one task per line and drops the
// document header.
func Encode(w io.Writer, format string, doc Document) error {
	format, err := normalize(format)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, t := range doc.Tasks {
			if err := enc.Encode(t); err != nil {
				return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
			}
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(doc); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
	}
	return nil
}

// Decode reads a document written by Encode.
func Decode(r io.Reader, format string) (Document, error) {
	var doc Document
	format, err := normalize(format)
	if err != nil {
		return doc, err
	}

	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return doc, fmt.Errorf("invalid json: %w", err)
		}
	case FormatJSONL:
		tasks, err := decodeLines(r)
		if err != nil {
			return doc, err
		}
		doc.Tasks = tasks
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return doc, fmt.Errorf("invalid yaml: %w", err)
		}
	case FormatTOML:
		if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
			return doc, fmt.Errorf("invalid toml: %w", err)
		}
	}
	return doc, nil
}

// decodeLines reads one task per line. Blank lines are skipped.
func decodeLines(r io.Reader) ([]Task, error) {
	var tasks []Task
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		tasks = append(tasks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lines: %w", err)
	}
	return tasks, nil
}
