package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/store/sqlstore"
)

// setupTestHub serves a fresh sqlstore over httptest.
func setupTestHub(t *testing.T) (*Server, *sqlstore.Store, *httptest.Server) {
	t.Helper()
	backend, err := sqlstore.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	srv := NewServer(backend, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})
	return srv, backend, ts
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func newRow(id, ws, title string) store.Row {
	now := time.Now()
	return store.RowFromTask(&schema.Task{
		ID:          id,
		UserID:      "alice",
		WorkspaceID: ws,
		Title:       title,
		Type:        schema.TypeTodo,
		Tags:        []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func TestServerStartStop(t *testing.T) {
	backend, err := sqlstore.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer backend.Close()

	server := NewServer(backend, &Config{Addr: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	addr := server.Addr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Server address not resolved: %q", addr)
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestAPI_WorkspaceRoutes(t *testing.T) {
	_, _, ts := setupTestHub(t)
	base := ts.URL + "/api/users/alice"

	var found WorkspaceResponse
	if code := doJSON(t, http.MethodGet, base+"/workspace", nil, &found); code != http.StatusOK {
		t.Fatalf("find workspace: status %d", code)
	}
	if found.WorkspaceID != "" {
		t.Errorf("Expected no workspace yet, got %q", found.WorkspaceID)
	}

	var created WorkspaceResponse
	if code := doJSON(t, http.MethodPost, base+"/workspaces", nil, &created); code != http.StatusCreated {
		t.Fatalf("create workspace: status %d", code)
	}
	if created.WorkspaceID == "" {
		t.Fatal("Expected a workspace id")
	}

	doJSON(t, http.MethodGet, base+"/workspace", nil, &found)
	if found.WorkspaceID != created.WorkspaceID {
		t.Errorf("find workspace = %q, want %q", found.WorkspaceID, created.WorkspaceID)
	}

	tests := []struct {
		user, ws string
		want     bool
	}{
		{"alice", created.WorkspaceID, true},
		{"bob", created.WorkspaceID, false},
		{"alice", "missing", false},
	}
	for _, tt := range tests {
		var member MemberResponse
		url := ts.URL + "/api/users/" + tt.user + "/workspaces/" + tt.ws
		if code := doJSON(t, http.MethodGet, url, nil, &member); code != http.StatusOK {
			t.Fatalf("is member %s/%s: status %d", tt.user, tt.ws, code)
		}
		if member.Member != tt.want {
			t.Errorf("IsMember(%s, %s) = %v, want %v", tt.user, tt.ws, member.Member, tt.want)
		}
	}
}

func TestAPI_TaskLifecycle(t *testing.T) {
	_, backend, ts := setupTestHub(t)
	ctx := context.Background()
	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}

	var inserted store.Row
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", newRow("t1", ws, "Buy milk"), &inserted); code != http.StatusCreated {
		t.Fatalf("insert: status %d", code)
	}
	if inserted.Title != "Buy milk" || inserted.UpdatedAt == "" {
		t.Errorf("unexpected inserted row: %+v", inserted)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", newRow("t1", ws, "again"), nil); code != http.StatusConflict {
		t.Errorf("duplicate insert: expected 409, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", newRow("t2", ws, "  "), nil); code != http.StatusBadRequest {
		t.Errorf("blank title: expected 400, got %d", code)
	}

	var rows []store.Row
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/workspaces/"+ws+"/tasks", nil, &rows); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(rows) != 1 || rows[0].ID != "t1" {
		t.Fatalf("list returned %+v", rows)
	}

	var updated store.Row
	patch := store.PatchFields(schema.SetCompleted(true))
	if code := doJSON(t, http.MethodPatch, ts.URL+"/api/tasks/t1", patch, &updated); code != http.StatusOK {
		t.Fatalf("update: status %d", code)
	}
	if !updated.Completed || updated.CompletedAt == nil {
		t.Errorf("expected completed row with completed_at, got %+v", updated)
	}

	if code := doJSON(t, http.MethodPatch, ts.URL+"/api/tasks/t1", map[string]any{"created_at": "x"}, nil); code != http.StatusBadRequest {
		t.Errorf("unknown patch field: expected 400, got %d", code)
	}
	if code := doJSON(t, http.MethodPatch, ts.URL+"/api/tasks/nope", patch, nil); code != http.StatusNotFound {
		t.Errorf("update missing: expected 404, got %d", code)
	}

	var stamp UpdatedAtResponse
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/tasks/t1/updated_at", nil, &stamp); code != http.StatusOK {
		t.Fatalf("updated_at: status %d", code)
	}
	if stamp.UpdatedAt != updated.UpdatedAt {
		t.Errorf("updated_at = %q, want %q", stamp.UpdatedAt, updated.UpdatedAt)
	}

	if code := doJSON(t, http.MethodDelete, ts.URL+"/api/tasks/t1", nil, nil); code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", code)
	}
	if code := doJSON(t, http.MethodDelete, ts.URL+"/api/tasks/t1", nil, nil); code != http.StatusNoContent {
		t.Errorf("delete again: expected 204, got %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/tasks/t1/updated_at", nil, nil); code != http.StatusNotFound {
		t.Errorf("updated_at after delete: expected 404, got %d", code)
	}
}

func TestAPI_MigrateOrphans(t *testing.T) {
	_, backend, ts := setupTestHub(t)
	ctx := context.Background()

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", newRow("orphan", "", "Loose end"), nil); code != http.StatusCreated {
		t.Fatalf("insert orphan: status %d", code)
	}
	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}

	var resp MigrateResponse
	url := ts.URL + "/api/users/alice/workspaces/" + ws + "/migrate"
	if code := doJSON(t, http.MethodPost, url, nil, &resp); code != http.StatusOK {
		t.Fatalf("migrate: status %d", code)
	}
	if resp.Migrated != 1 {
		t.Errorf("migrated = %d, want 1", resp.Migrated)
	}
	tasks, err := backend.ListTasks(ctx, ws)
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "orphan" {
		t.Errorf("workspace tasks after migrate: %v", tasks)
	}
}

func TestWebSocketFeed(t *testing.T) {
	srv, backend, ts := setupTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?workspace=" + ws
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame := func() store.Frame {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		var f store.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Failed to unmarshal frame: %v", err)
		}
		return f
	}

	if f := readFrame(); f.Kind != store.FrameReady {
		t.Fatalf("Expected ready frame first, got %q", f.Kind)
	}
	if count := srv.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	task := &schema.Task{ID: "t1", UserID: "alice", WorkspaceID: ws, Title: "Buy eggs", Type: schema.TypeShopping, Tags: []string{}}
	if _, err := backend.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}
	if err := backend.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}

	insert := readFrame()
	ev, err := insert.Event()
	if err != nil {
		t.Fatalf("Event() failed: %v", err)
	}
	if ev.Kind != store.EventInsert || ev.Task == nil || ev.Task.Title != "Buy eggs" {
		t.Errorf("unexpected insert event: %+v", ev)
	}
	if del := readFrame(); del.Kind != string(store.EventDelete) || del.TaskID != "t1" {
		t.Errorf("unexpected delete frame: %+v", del)
	}
}

func TestWebSocketRequiresWorkspace(t *testing.T) {
	_, _, ts := setupTestHub(t)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	srv, backend, ts := setupTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?workspace=" + ws
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read ready frame: %v", err)
	}
	if n := backend.Subscribers(ws); n != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", n)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ClientCount() == 0 && backend.Subscribers(ws) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("client not cleaned up: clients=%d subscribers=%d", srv.ClientCount(), backend.Subscribers(ws))
}

func TestHealth(t *testing.T) {
	_, backend, ts := setupTestHub(t)
	if _, err := backend.CreateWorkspace(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}

	var body struct {
		Status string          `json:"status"`
		Counts sqlstore.Counts `json:"counts"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health: status %d", code)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Counts.Workspaces != 1 {
		t.Errorf("workspaces = %d, want 1", body.Counts.Workspaces)
	}
}
