package transfer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tasknest/tasknest/internal/schema"
)

func sampleTasks() []*schema.Task {
	due := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return []*schema.Task{
		{ID: "t1", Title: "Pay rent", Type: schema.TypeTodo, IsPriority: true, Tags: []string{"home"},
			DueDate: &due, CreatedAt: created, UpdatedAt: created},
		{ID: "t2", Title: "Eggs", Type: schema.TypeShopping, CreatedAt: created, UpdatedAt: created},
	}
}

func TestEncodeDecode(t *testing.T) {
	now := time.Date(2026, 5, 13, 10, 0, 0, 0, time.UTC)
	doc := NewDocument("ws-1", sampleTasks(), now)

	for _, format := range []string{FormatJSON, FormatJSONL, FormatYAML, FormatTOML} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, format, doc); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(&buf, format)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(got.Tasks) != 2 {
				t.Fatalf("decoded %d tasks, want 2", len(got.Tasks))
			}
			first := got.Tasks[0]
			if first.Title != "Pay rent" || !first.Priority || first.Type != "todo" {
				t.Errorf("first task = %+v", first)
			}
			if first.Due == nil || !first.Due.Equal(*doc.Tasks[0].Due) {
				t.Errorf("due = %v, want %v", first.Due, doc.Tasks[0].Due)
			}
			if len(first.Tags) != 1 || first.Tags[0] != "home" {
				t.Errorf("tags = %v, want [home]", first.Tags)
			}
		})
	}
}

func TestEncode_TOMLUsesTaskTables(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, "toml", NewDocument("", sampleTasks(), time.Now())); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if n := strings.Count(buf.String(), "[[tasks]]"); n != 2 {
		t.Errorf("found %d [[tasks]] tables, want 2:\n%s", n, buf.String())
	}
}

func TestDecode_JSONLReportsLine(t *testing.T) {
	input := `{"title":"ok","type":"todo"}

{"title": broken}
`
	_, err := Decode(strings.NewReader(input), "jsonl")
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Errorf("Decode() error = %v, want one naming line 3", err)
	}
}

func TestUnknownFormat(t *testing.T) {
	if err := Encode(&bytes.Buffer{}, "xml", Document{}); err == nil {
		t.Error("Encode(xml) succeeded, want error")
	}
	if _, err := Decode(strings.NewReader(""), "csv"); err == nil {
		t.Error("Decode(csv) succeeded, want error")
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]string{
		"tasks.json":     FormatJSON,
		"tasks.JSONL":    FormatJSONL,
		"tasks.ndjson":   FormatJSONL,
		"dir/tasks.yml":  FormatYAML,
		"tasks.yaml":     FormatYAML,
		"tasks.toml":     FormatTOML,
		"tasks.txt":      "",
		"no-extension":   "",
	}
	for path, want := range tests {
		if got := FormatFromPath(path); got != want {
			t.Errorf("FormatFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
