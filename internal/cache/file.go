package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tasknest/tasknest/internal/schema"
)

// File names inside a FileCache directory.
const (
	TasksFile     = "tasks.json"
	WorkspaceFile = "workspace"
)

// FileCache stores each slot as a file in one directory. Writes go to a
// temporary file that is renamed into place, so a reader never sees a
// partially written snapshot.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

// NewFileCache creates the directory if needed.
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string {
	return c.dir
}

// TasksPath returns the snapshot file path.
func (c *FileCache) TasksPath() string {
	return filepath.Join(c.dir, TasksFile)
}

func (c *FileCache) Load(ctx context.Context) ([]*schema.Task, error) {
	data, err := c.read(TasksFile)
	if err != nil {
		return []*schema.Task{}, err
	}
	return decodeSnapshot(data)
}

func (c *FileCache) Save(ctx context.Context, tasks []*schema.Task) error {
	data, err := encodeSnapshot(tasks)
	if err != nil {
		return err
	}
	return c.write(TasksFile, data)
}

func (c *FileCache) LoadWorkspace(ctx context.Context) (string, error) {
	data, err := c.read(WorkspaceFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *FileCache) SaveWorkspace(ctx context.Context, id string) error {
	if id == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		err := os.Remove(filepath.Join(c.dir, WorkspaceFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return unavailable("clear workspace", err)
		}
		return nil
	}
	return c.write(WorkspaceFile, []byte(id+"\n"))
}

func (c *FileCache) read(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read "+name, err)
	}
	return data, nil
}

func (c *FileCache) write(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp, err := os.CreateTemp(c.dir, "."+name+".*.tmp")
	if err != nil {
		return unavailable("create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return unavailable("write "+name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return unavailable("sync "+name, err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close "+name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(c.dir, name)); err != nil {
		return unavailable("replace "+name, err)
	}
	return nil
}
