package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tasknest/tasknest/internal/cache"
	"github.com/tasknest/tasknest/internal/hub"
	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/session"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/store/sqlstore"
)

// setupTestClient starts a hub over a temp sqlstore and returns a client
// for it.
func setupTestClient(t *testing.T) (*Client, *sqlstore.Store, *hub.Server) {
	t.Helper()
	backend, err := sqlstore.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	srv := hub.NewServer(backend, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
		_ = backend.Close()
	})

	client, err := New(Config{URL: ts.URL, User: func() string { return "alice" }})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return client, backend, srv
}

func newTask(id, ws, title string) *schema.Task {
	now := time.Now()
	return &schema.Task{
		ID:          id,
		UserID:      "alice",
		WorkspaceID: ws,
		Title:       title,
		Type:        schema.TypeTodo,
		Tags:        []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestNew_ValidatesURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"https://hub.example.com/", false},
		{"", true},
		{"ftp://hub", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		_, err := New(Config{URL: tt.url})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestClient_TaskLifecycle(t *testing.T) {
	client, _, _ := setupTestClient(t)
	ctx := context.Background()

	ws, err := client.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}
	if found, err := client.FindActiveWorkspace(ctx, "alice"); err != nil || found != ws {
		t.Fatalf("FindActiveWorkspace() = %q, %v; want %q", found, err, ws)
	}
	if ok, err := client.IsMember(ctx, "alice", ws); err != nil || !ok {
		t.Fatalf("IsMember() = %v, %v", ok, err)
	}

	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := newTask("t1", ws, "Buy milk")
	task.Type = schema.TypeShopping
	task.Tags = []string{"dairy"}
	task.DueDate = &due
	inserted, err := client.InsertTask(ctx, task)
	if err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}
	if inserted.DueDate == nil || !inserted.DueDate.Equal(due) || !inserted.HasTag("dairy") {
		t.Errorf("inserted task lost fields: %+v", inserted)
	}

	if _, err := client.InsertTask(ctx, task); !errors.Is(err, store.ErrExists) {
		t.Errorf("duplicate InsertTask() error = %v, want ErrExists", err)
	}

	updated, err := client.UpdateTask(ctx, "t1", schema.Patch{ClearDueDate: true, Title: ptr("Buy oat milk")})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if updated.Title != "Buy oat milk" || updated.DueDate != nil {
		t.Errorf("UpdateTask() = %+v", updated)
	}

	at, err := client.GetUpdatedAt(ctx, "t1")
	if err != nil {
		t.Fatalf("GetUpdatedAt() failed: %v", err)
	}
	if !at.Equal(updated.UpdatedAt) {
		t.Errorf("GetUpdatedAt() = %v, want %v", at, updated.UpdatedAt)
	}

	tasks, err := client.ListTasks(ctx, ws)
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("ListTasks() = %+v", tasks)
	}

	if err := client.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := client.GetUpdatedAt(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUpdatedAt() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := client.UpdateTask(ctx, "t1", schema.SetCompleted(true)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTask() after delete error = %v, want ErrNotFound", err)
	}
}

func TestClient_MigrateOrphanTasks(t *testing.T) {
	client, _, _ := setupTestClient(t)
	ctx := context.Background()

	if _, err := client.InsertTask(ctx, newTask("o1", "", "Loose end")); err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}
	ws, err := client.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}
	n, err := client.MigrateOrphanTasks(ctx, "alice", ws)
	if err != nil {
		t.Fatalf("MigrateOrphanTasks() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("MigrateOrphanTasks() = %d, want 1", n)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, store.ErrNotFound},
		{http.StatusConflict, store.ErrExists},
		{http.StatusBadRequest, store.ErrInvalid},
		{http.StatusInternalServerError, store.ErrUnavailable},
		{http.StatusBadGateway, store.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer ts.Close()

			client, err := New(Config{URL: ts.URL})
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			_, err = client.GetUpdatedAt(context.Background(), "t1")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClient_UnreachableHub(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client, err := New(Config{URL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := client.ListTasks(context.Background(), "ws"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("ListTasks() error = %v, want ErrUnavailable", err)
	}
	if _, err := client.Subscribe(context.Background(), "ws", func(store.ChangeEvent) {}); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Subscribe() error = %v, want ErrUnavailable", err)
	}
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := client.ListTasks(ctx, "ws"); !errors.Is(err, store.ErrUnavailable) {
			t.Fatalf("call %d: error = %v, want ErrUnavailable", i, err)
		}
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("hub saw %d requests, want 4 before the breaker opened", got)
	}
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		_, _ = client.GetUpdatedAt(context.Background(), "gone")
	}
	if got := hits.Load(); got != 10 {
		t.Errorf("hub saw %d requests, want 10", got)
	}
}

func TestClient_Subscribe(t *testing.T) {
	client, backend, _ := setupTestClient(t)
	ctx := context.Background()
	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateWorkspace() failed: %v", err)
	}

	var (
		mu     sync.Mutex
		events []store.ChangeEvent
	)
	unsubscribe, err := client.Subscribe(ctx, ws, func(ev store.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	// Subscribe returned after the ready frame, so the hub is subscribed.
	if n := backend.Subscribers(ws); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	if _, err := backend.InsertTask(ctx, newTask("t1", ws, "Buy eggs")); err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}
	if _, err := backend.UpdateTask(ctx, "t1", schema.SetCompleted(true)); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if err := backend.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}

	waitFor(t, "three feed events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	})
	mu.Lock()
	kinds := []store.EventKind{events[0].Kind, events[1].Kind, events[2].Kind}
	completed := events[1].Task != nil && events[1].Task.Completed
	mu.Unlock()
	want := []store.EventKind{store.EventInsert, store.EventUpdate, store.EventDelete}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d kind = %s, want %s", i, kinds[i], want[i])
		}
	}
	if !completed {
		t.Error("update event did not carry the completed task")
	}

	unsubscribe()
	waitFor(t, "hub to drop the subscription", func() bool {
		return backend.Subscribers(ws) == 0
	})
}

func TestClient_SubscribeReportsLostFeed(t *testing.T) {
	client, backend, srv := setupTestClient(t)
	ctx := context.Background()
	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		events []store.ChangeEvent
	)
	if _, err := client.Subscribe(ctx, ws, func(ev store.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "lost event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})
	mu.Lock()
	ev := events[0]
	mu.Unlock()
	if ev.Kind != store.EventLost || ev.WorkspaceID != ws || ev.Task != nil {
		t.Errorf("event = %+v, want lost for %s", ev, ws)
	}
}

func TestClient_UnsubscribeIsNotLost(t *testing.T) {
	client, backend, _ := setupTestClient(t)
	ctx := context.Background()
	ws, err := backend.CreateWorkspace(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	var lost atomic.Int32
	unsubscribe, err := client.Subscribe(ctx, ws, func(ev store.ChangeEvent) {
		if ev.Kind == store.EventLost {
			lost.Add(1)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	waitFor(t, "hub to drop the subscription", func() bool {
		return backend.Subscribers(ws) == 0
	})
	if n := lost.Load(); n != 0 {
		t.Errorf("unsubscribe reported %d lost events", n)
	}
}

func TestClient_SyncsTwoOrchestrators(t *testing.T) {
	client, _, _ := setupTestClient(t)
	ctx := context.Background()

	start := func() *orchestrator.Orchestrator {
		o := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
			Cache:   cache.NewMemoryCache(),
			Backend: client,
			Session: session.NewStatic("alice"),
		})
		t.Cleanup(o.Close)
		if err := o.Start(ctx); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		if o.State() != orchestrator.StateSynced {
			t.Fatalf("State() = %v, want synced", o.State())
		}
		return o
	}
	phone := start()
	laptop := start()
	if phone.WorkspaceID() != laptop.WorkspaceID() {
		t.Fatalf("clients resolved different workspaces: %q and %q", phone.WorkspaceID(), laptop.WorkspaceID())
	}

	bread, err := phone.CreateTask(ctx, orchestrator.Draft{Title: "Bread", Type: schema.TypeShopping})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	waitFor(t, "laptop to receive the task", func() bool {
		_, ok := laptop.Task(bread.ID)
		return ok
	})

	if _, err := laptop.ToggleCompletion(ctx, bread.ID, true); err != nil {
		t.Fatalf("ToggleCompletion() failed: %v", err)
	}
	waitFor(t, "phone to see the completion", func() bool {
		got, ok := phone.Task(bread.ID)
		return ok && got.Completed
	})

	if err := phone.DeleteTask(ctx, bread.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	waitFor(t, "laptop to drop the task", func() bool {
		_, ok := laptop.Task(bread.ID)
		return !ok
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptr[T any](v T) *T { return &v }
