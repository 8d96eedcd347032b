package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/tasknest/tasknest/internal/schema"
)

// RedisCache keeps the two slots as plain keys under a prefix. Keys never
// expire: the snapshot is the fallback of record, not a cache-aside copy.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps client. The cache owns the client and closes it.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Load(ctx context.Context) ([]*schema.Task, error) {
	data, err := c.client.Get(ctx, c.prefix+slotTasks).Bytes()
	if errors.Is(err, redis.Nil) {
		return []*schema.Task{}, nil
	}
	if err != nil {
		return []*schema.Task{}, unavailable("read tasks", err)
	}
	return decodeSnapshot(data)
}

func (c *RedisCache) Save(ctx context.Context, tasks []*schema.Task) error {
	data, err := encodeSnapshot(tasks)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+slotTasks, data, 0).Err(); err != nil {
		return unavailable("write tasks", err)
	}
	return nil
}

func (c *RedisCache) LoadWorkspace(ctx context.Context) (string, error) {
	id, err := c.client.Get(ctx, c.prefix+slotWorkspace).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("read workspace", err)
	}
	return id, nil
}

func (c *RedisCache) SaveWorkspace(ctx context.Context, id string) error {
	key := c.prefix + slotWorkspace
	var err error
	if id == "" {
		err = c.client.Del(ctx, key).Err()
	} else {
		err = c.client.Set(ctx, key, id, 0).Err()
	}
	if err != nil {
		return unavailable("write workspace", err)
	}
	return nil
}
