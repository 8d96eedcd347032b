// Package cache persists the last known task snapshot and the selected
// workspace id, so the task list renders before any network round trip and
// stays usable offline.
//
// A cache holds two slots:
//
//	tasks      the complete task collection, overwritten on every save
//	workspace  the id of the currently selected workspace
//
// There is no partial-update API. Callers compute the full collection and
// save it.
//
// Reads fail soft: a missing slot is empty with a nil error, and an unreadable
// or corrupt slot is empty with an error wrapping ErrUnavailable. Load never
// returns a nil slice.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/tasknest/tasknest/internal/schema"
)

// ErrUnavailable is wrapped by every error caused by the durable medium.
var ErrUnavailable = errors.New("cache unavailable")

// Cache is the durable local snapshot.
type Cache interface {
	Load(ctx context.Context) ([]*schema.Task, error)
	Save(ctx context.Context, tasks []*schema.Task) error
	LoadWorkspace(ctx context.Context) (string, error)
	// SaveWorkspace stores the selected workspace id. "" clears the slot.
	SaveWorkspace(ctx context.Context, id string) error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config selects and configures a cache implementation.
type Config struct {
	Backend     string
	Dir         string
	RedisAddr   string
	RedisPrefix string
}

// DefaultConfig returns a file cache in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Backend:     BackendFile,
		Dir:         dir,
		RedisAddr:   "localhost:6379",
		RedisPrefix: "nest:",
	}
}

// Open creates the cache named by cfg.Backend.
func Open(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileCache(cfg.Dir)
	case BackendSQLite:
		return OpenSQLite(filepath.Join(cfg.Dir, "cache.db"))
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisCache(client, cfg.RedisPrefix), nil
	case BackendMemory:
		return NewMemoryCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q (want file, sqlite, redis or memory)", cfg.Backend)
	}
}

// Close releases c if it holds resources.
func Close(c Cache) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// encodeSnapshot serializes the collection for storage.
func encodeSnapshot(tasks []*schema.Task) ([]byte, error) {
	if tasks == nil {
		tasks = []*schema.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// decodeSnapshot parses a stored collection. Empty input is an empty
// collection. Nil entries are dropped.
func decodeSnapshot(data []byte) ([]*schema.Task, error) {
	if len(data) == 0 {
		return []*schema.Task{}, nil
	}
	var raw []*schema.Task
	if err := json.Unmarshal(data, &raw); err != nil {
		return []*schema.Task{}, fmt.Errorf("%w: corrupt snapshot: %v", ErrUnavailable, err)
	}
	tasks := make([]*schema.Task, 0, len(raw))
	for _, t := range raw {
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", ErrUnavailable, op, err)
}
