package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

// testClock is a settable store clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

// setupTestStore opens a store in a temp dir with a controllable clock.
func setupTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_000_000)}
	s, err := Open(filepath.Join(t.TempDir(), "hub.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func newTask(id, ws string, typ schema.TaskType, order int) *schema.Task {
	return &schema.Task{
		ID:          id,
		Title:       "task " + id,
		Type:        typ,
		Order:       order,
		Tags:        []string{},
		UserID:      "user-1",
		WorkspaceID: ws,
	}
}

// eventRecorder collects feed events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []store.ChangeEvent
}

func (r *eventRecorder) handle(ev store.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []store.ChangeEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]store.ChangeEvent(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("timed out waiting for %d events, got %d", n, len(r.events))
	return nil
}

func TestStore_InsertStampsCanonicalTimes(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	ws, _ := s.CreateWorkspace(ctx, "user-1")

	clock.Set(5_000_000)
	draft := newTask("a", ws, schema.TypeTodo, 0)
	draft.CreatedAt = time.UnixMilli(1)
	draft.UpdatedAt = time.UnixMilli(1)

	got, err := s.InsertTask(ctx, draft)
	if err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}
	if got.UpdatedAt.UnixMilli() != 5_000_000 || got.CreatedAt.UnixMilli() != 5_000_000 {
		t.Errorf("timestamps = %v / %v, want store clock", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := s.InsertTask(ctx, draft); !errors.Is(err, store.ErrExists) {
		t.Errorf("duplicate InsertTask() error = %v, want ErrExists", err)
	}
}

func TestStore_InsertIntoUnknownWorkspace(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.InsertTask(context.Background(), newTask("a", "nope", schema.TypeTodo, 0))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("InsertTask() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListTasksOrdered(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	ws, _ := s.CreateWorkspace(ctx, "user-1")
	other, _ := s.CreateWorkspace(ctx, "user-2")

	for _, task := range []*schema.Task{
		newTask("c", ws, schema.TypeTodo, 2),
		newTask("a", ws, schema.TypeTodo, 0),
		newTask("b", ws, schema.TypeShopping, 1),
		newTask("x", other, schema.TypeTodo, 0),
	} {
		if _, err := s.InsertTask(ctx, task); err != nil {
			t.Fatalf("InsertTask(%s) failed: %v", task.ID, err)
		}
	}

	tasks, err := s.ListTasks(ctx, ws)
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("ListTasks() = %v, want [a b c]", ids)
	}
}

func TestStore_UpdateTask(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	ws, _ := s.CreateWorkspace(ctx, "user-1")
	if _, err := s.InsertTask(ctx, newTask("a", ws, schema.TypeTodo, 0)); err != nil {
		t.Fatal(err)
	}

	clock.Set(2_000_000)
	tags := []string{"Home"}
	got, err := s.UpdateTask(ctx, "a", schema.Patch{Tags: &tags, Completed: ptr(true)})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if got.UpdatedAt.UnixMilli() != 2_000_000 {
		t.Errorf("updated_at = %d, want 2000000", got.UpdatedAt.UnixMilli())
	}
	if !got.Completed || got.CompletedAt == nil || got.Tags[0] != "home" {
		t.Errorf("patch not applied: %+v", got)
	}

	// The store clock going backwards never moves updated_at backwards.
	clock.Set(1_500_000)
	got, err = s.UpdateTask(ctx, "a", schema.SetTitle("renamed"))
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if got.UpdatedAt.UnixMilli() != 2_000_000 {
		t.Errorf("updated_at regressed to %d", got.UpdatedAt.UnixMilli())
	}

	at, err := s.GetUpdatedAt(ctx, "a")
	if err != nil || at.UnixMilli() != 2_000_000 {
		t.Errorf("GetUpdatedAt() = %v, %v", at, err)
	}

	if _, err := s.UpdateTask(ctx, "missing", schema.SetTitle("x")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTask(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateTask(ctx, "a", schema.SetTitle("  ")); err == nil {
		t.Error("UpdateTask() with blank title should fail")
	}
}

func TestStore_DeleteTaskIsIdempotent(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	ws, _ := s.CreateWorkspace(ctx, "user-1")
	_, _ = s.InsertTask(ctx, newTask("a", ws, schema.TypeTodo, 0))

	if err := s.DeleteTask(ctx, "a"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := s.DeleteTask(ctx, "a"); err != nil {
		t.Errorf("second DeleteTask() failed: %v", err)
	}
	if _, err := s.GetUpdatedAt(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUpdatedAt() after delete = %v, want ErrNotFound", err)
	}
}

func TestStore_WorkspaceResolution(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	ws, err := s.FindActiveWorkspace(ctx, "user-1")
	if err != nil || ws != "" {
		t.Fatalf("FindActiveWorkspace() for new user = %q, %v", ws, err)
	}

	first, _ := s.CreateWorkspace(ctx, "user-1")
	clock.Set(2_000_000)
	shared, _ := s.CreateWorkspace(ctx, "user-2")
	if err := s.AddMember(ctx, shared, "user-1", ""); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	if ws, _ := s.FindActiveWorkspace(ctx, "user-1"); ws != shared {
		t.Errorf("FindActiveWorkspace() = %q, want most recently joined %q", ws, shared)
	}
	if ok, _ := s.IsMember(ctx, "user-1", first); !ok {
		t.Error("user-1 should be a member of its own workspace")
	}
	if ok, _ := s.IsMember(ctx, "user-2", first); ok {
		t.Error("user-2 should not be a member of user-1's workspace")
	}
	if err := s.AddMember(ctx, "nope", "user-1", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AddMember(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStore_MigrateOrphanTasks(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertTask(ctx, newTask("orphan", "", schema.TypeShopping, 0)); err != nil {
		t.Fatalf("InsertTask(orphan) failed: %v", err)
	}
	foreign := newTask("foreign", "", schema.TypeTodo, 0)
	foreign.UserID = "user-2"
	_, _ = s.InsertTask(ctx, foreign)

	ws, _ := s.CreateWorkspace(ctx, "user-1")
	n, err := s.MigrateOrphanTasks(ctx, "user-1", ws)
	if err != nil {
		t.Fatalf("MigrateOrphanTasks() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("migrated %d tasks, want 1", n)
	}

	tasks, _ := s.ListTasks(ctx, ws)
	if len(tasks) != 1 || tasks[0].ID != "orphan" || tasks[0].WorkspaceID != ws {
		t.Errorf("ListTasks() after migration = %+v", tasks)
	}

	counts, _ := s.Counts(ctx)
	if counts.Orphans != 1 || counts.Tasks != 2 || counts.Workspaces != 1 {
		t.Errorf("Counts() = %+v", counts)
	}
}

func TestStore_SubscribeDeliversInCommitOrder(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	ws, _ := s.CreateWorkspace(ctx, "user-1")
	other, _ := s.CreateWorkspace(ctx, "user-2")

	rec := &eventRecorder{}
	unsubscribe, err := s.Subscribe(ctx, ws, rec.handle)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer unsubscribe()

	_, _ = s.InsertTask(ctx, newTask("a", ws, schema.TypeTodo, 0))
	_, _ = s.InsertTask(ctx, newTask("x", other, schema.TypeTodo, 0))
	_, _ = s.UpdateTask(ctx, "a", schema.SetOrder(3))
	_ = s.DeleteTask(ctx, "a")

	events := rec.waitFor(t, 3)
	want := []store.EventKind{store.EventInsert, store.EventUpdate, store.EventDelete}
	for i, kind := range want {
		if events[i].Kind != kind || events[i].TaskID != "a" {
			t.Errorf("event %d = %s %s, want %s a", i, events[i].Kind, events[i].TaskID, kind)
		}
	}
	if events[1].Task == nil || events[1].Task.Order != 3 {
		t.Errorf("update event carries %+v", events[1].Task)
	}
	if events[2].Task != nil {
		t.Error("delete event should not carry a task")
	}

	time.Sleep(20 * time.Millisecond)
	if got := len(rec.waitFor(t, 3)); got != 3 {
		t.Errorf("received %d events, want 3 (other workspace must be filtered)", got)
	}
}

func TestStore_UnsubscribeStopsDelivery(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	ws, _ := s.CreateWorkspace(ctx, "user-1")

	rec := &eventRecorder{}
	if _, err := s.Subscribe(ctx, ws, rec.handle); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if s.Subscribers(ws) != 1 {
		t.Fatalf("Subscribers() = %d, want 1", s.Subscribers(ws))
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers(ws) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribers(ws) != 0 {
		t.Fatal("context cancel did not end the subscription")
	}

	_, _ = s.InsertTask(context.Background(), newTask("a", ws, schema.TypeTodo, 0))
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 0 {
		t.Errorf("received %d events after unsubscribe", len(rec.events))
	}
}

func TestStore_PurgeCompleted(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	ws, _ := s.CreateWorkspace(ctx, "user-1")

	_, _ = s.InsertTask(ctx, newTask("old", ws, schema.TypeTodo, 0))
	_, _ = s.InsertTask(ctx, newTask("recent", ws, schema.TypeTodo, 1))
	_, _ = s.InsertTask(ctx, newTask("open", ws, schema.TypeTodo, 2))

	clock.Set(10_000_000)
	_, _ = s.UpdateTask(ctx, "old", schema.SetCompleted(true))
	clock.Set(20_000_000)
	_, _ = s.UpdateTask(ctx, "recent", schema.SetCompleted(true))

	rec := &eventRecorder{}
	unsubscribe, _ := s.Subscribe(ctx, ws, rec.handle)
	defer unsubscribe()

	n, err := s.PurgeCompleted(ctx, time.UnixMilli(15_000_000))
	if err != nil {
		t.Fatalf("PurgeCompleted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	events := rec.waitFor(t, 1)
	if events[0].Kind != store.EventDelete || events[0].TaskID != "old" {
		t.Errorf("purge event = %+v", events[0])
	}

	tasks, _ := s.ListTasks(ctx, ws)
	if len(tasks) != 2 {
		t.Errorf("%d tasks left, want 2", len(tasks))
	}
}

func ptr[T any](v T) *T { return &v }
