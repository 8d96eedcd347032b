package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tasknest/tasknest/internal/schema"
)

const (
	slotTasks     = "tasks"
	slotWorkspace = "workspace"
)

// SQLiteCache stores the slots as rows of a single table in an embedded
// SQLite database.
type SQLiteCache struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens or creates the cache database at path.
//
// The caller must call Close when done.
func OpenSQLite(path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	const ddl = `
	CREATE TABLE IF NOT EXISTS slots (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		saved_at TEXT NOT NULL
	)`
	if _, err := conn.Exec(ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLiteCache{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.conn = nil
	return nil
}

func (c *SQLiteCache) Load(ctx context.Context) ([]*schema.Task, error) {
	value, err := c.get(ctx, slotTasks)
	if err != nil {
		return []*schema.Task{}, err
	}
	return decodeSnapshot([]byte(value))
}

func (c *SQLiteCache) Save(ctx context.Context, tasks []*schema.Task) error {
	data, err := encodeSnapshot(tasks)
	if err != nil {
		return err
	}
	return c.put(ctx, slotTasks, string(data))
}

func (c *SQLiteCache) LoadWorkspace(ctx context.Context) (string, error) {
	return c.get(ctx, slotWorkspace)
}

func (c *SQLiteCache) SaveWorkspace(ctx context.Context, id string) error {
	if id == "" {
		if _, err := c.conn.ExecContext(ctx, `DELETE FROM slots WHERE name = ?`, slotWorkspace); err != nil {
			return unavailable("clear workspace", err)
		}
		return nil
	}
	return c.put(ctx, slotWorkspace, id)
}

func (c *SQLiteCache) get(ctx context.Context, name string) (string, error) {
	var value string
	err := c.conn.QueryRowContext(ctx, `SELECT value FROM slots WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("read "+name, err)
	}
	return value, nil
}

func (c *SQLiteCache) put(ctx context.Context, name, value string) error {
	const query = `
	INSERT INTO slots (name, value, saved_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		value = excluded.value,
		saved_at = excluded.saved_at
	`
	if _, err := c.conn.ExecContext(ctx, query, name, value, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return unavailable("write "+name, err)
	}
	return nil
}
