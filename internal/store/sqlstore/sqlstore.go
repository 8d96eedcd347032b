// Package sqlstore provides the reference task backend on embedded SQLite.
//
// It implements store.Backend the way a hosted relational backend would:
//
//   - Database file: hub.db (WAL mode, concurrent readers during writes)
//   - Tables: workspaces, workspace_members, tasks
//   - Clock: the store stamps created_at on insert and updated_at on every
//     write, never moving updated_at backwards
//   - Feed: every committed write is published to the subscribers of the
//     task's workspace, in commit order
//
// The hub server exposes a Store to remote clients, and the CLI can use one
// directly for a single-machine setup.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/store"
)

// Store is a store.Backend on an embedded SQLite database.
type Store struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	logger logrus.FieldLogger

	// mu serializes writes with event publication, so subscribers see
	// events in commit order.
	mu      sync.Mutex
	subs    map[string]map[int]*subscription
	nextSub int
}

var _ store.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the store's canonical clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = logging.OrDiscard(logger) }
}

// Open opens or creates the database at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		now:    time.Now,
		logger: logging.Discard(),
		subs:   make(map[string]map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	} {
		if _, err := conn.Exec(pragma.stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to %s: %w", pragma.what, err)
		}
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close stops every subscription and closes the database.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	s.mu.Lock()
	var all []*subscription
	for _, byID := range s.subs {
		for _, sub := range byID {
			all = append(all, sub)
		}
	}
	s.subs = make(map[string]map[int]*subscription)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}

	if conn == nil {
		return nil
	}
	if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.WithError(err).Warn("Failed to checkpoint WAL")
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call twice.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_members (
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (workspace_id, user_id),
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT,
		title TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER,
		type TEXT NOT NULL,
		is_priority INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		due_date INTEGER,
		assigned_to TEXT NOT NULL DEFAULT '',
		"order" INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_members_user ON workspace_members(user_id, joined_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_workspace_order ON tasks(workspace_id, "order");
	CREATE INDEX IF NOT EXISTS idx_tasks_orphans ON tasks(user_id, workspace_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed, completed_at);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Counts summarizes the database for health checks.
type Counts struct {
	Workspaces int `json:"workspaces"`
	Tasks      int `json:"tasks"`
	Completed  int `json:"completed"`
	Orphans    int `json:"orphans"`
}

// Counts returns row counts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	const query = `
	SELECT
		(SELECT COUNT(*) FROM workspaces),
		(SELECT COUNT(*) FROM tasks),
		(SELECT COUNT(*) FROM tasks WHERE completed = 1),
		(SELECT COUNT(*) FROM tasks WHERE workspace_id IS NULL)
	`
	if err := s.conn.QueryRowContext(ctx, query).Scan(&c.Workspaces, &c.Tasks, &c.Completed, &c.Orphans); err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// stamp returns the store clock at millisecond precision.
func (s *Store) stamp() time.Time {
	return time.UnixMilli(s.now().UnixMilli())
}
