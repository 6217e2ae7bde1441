// Package cache is the fast, ephemeral side of the pipeline: the first-page
// message cache and the pending read-receipt buffer, on Redis. Nothing here
// is a source of truth; every value can be rebuilt from the store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps the shared Redis client.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client; used by tests.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Client exposes the underlying Redis client so the rate limiter can share
// the connection pool.
func (c *Cache) Client() *redis.Client {
	return c.rdb
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
