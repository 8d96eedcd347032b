package cache

import (
	"context"
	"sync"

	"github.com/tasknest/tasknest/internal/schema"
)

// MemoryCache keeps the snapshot in process memory. It is the fallback when
// the durable medium fails, and the cache used by tests.
type MemoryCache struct {
	mu        sync.Mutex
	tasks     []*schema.Task
	workspace string
	saves     int
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Load(ctx context.Context) ([]*schema.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schema.CloneAll(c.tasks), nil
}

func (c *MemoryCache) Save(ctx context.Context, tasks []*schema.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = schema.CloneAll(tasks)
	c.saves++
	return nil
}

func (c *MemoryCache) LoadWorkspace(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspace, nil
}

func (c *MemoryCache) SaveWorkspace(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workspace = id
	return nil
}

// Saves returns how many times Save was called.
func (c *MemoryCache) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}
