// Package cache provides a non-authoritative Redis-backed memoization
// layer for the heatmap scanner's count(query) calls. A cache miss or
// Redis outage falls through to the adapter transparently; nothing in
// the pipeline depends on this cache being present or correct.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CountCache memoizes a feed's count(min, max) results for a short TTL.
type CountCache interface {
	Get(ctx context.Context, feed string, min, max float64) (count int64, ok bool)
	Set(ctx context.Context, feed string, min, max float64, count int64)
}

// RedisCache implements CountCache over a single redis.Client.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a RedisCache. addr is host:port; ttl bounds how
// long a count stays valid before the scanner re-queries the adapter.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func key(feed string, min, max float64) string {
	return fmt.Sprintf("heatmap:count:%s:%s:%s", feed, strconv.FormatFloat(min, 'f', 2, 64), strconv.FormatFloat(max, 'f', 2, 64))
}

// Get returns the cached count, or ok=false on a miss or any Redis
// error — callers must treat both identically and fall through to the
// adapter.
func (c *RedisCache) Get(ctx context.Context, feed string, min, max float64) (int64, bool) {
	val, err := c.client.Get(ctx, key(feed, min, max)).Result()
	if errors.Is(err, redis.Nil) || err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set stores count for the configured TTL, best-effort: a write failure
// is not reported since this cache is never authoritative.
func (c *RedisCache) Set(ctx context.Context, feed string, min, max float64, count int64) {
	c.client.Set(ctx, key(feed, min, max), count, c.ttl)
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
