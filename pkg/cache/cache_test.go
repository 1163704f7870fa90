package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := NewRedisCache(mr.Addr(), time.Minute)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetMissesOnEmptyCache(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok := c.Get(context.Background(), "nivoda", 0, 100)
	assert.False(t, ok)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(context.Background(), "nivoda", 0, 100, 42)

	n, ok := c.Get(context.Background(), "nivoda", 0, 100)
	require.True(t, ok)
	assert.Equal(t, int64(42), n)
}

func TestGetMissesAfterExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	c.Set(context.Background(), "nivoda", 0, 100, 42)
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(context.Background(), "nivoda", 0, 100)
	assert.False(t, ok)
}

func TestDistinctRangesDoNotCollide(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set(context.Background(), "nivoda", 0, 100, 10)
	c.Set(context.Background(), "nivoda", 100, 200, 20)

	a, _ := c.Get(context.Background(), "nivoda", 0, 100)
	b, _ := c.Get(context.Background(), "nivoda", 100, 200)
	assert.Equal(t, int64(10), a)
	assert.Equal(t, int64(20), b)
}

func TestGetFallsThroughWhenRedisUnreachable(t *testing.T) {
	c := NewRedisCache("127.0.0.1:1", time.Minute)
	defer c.Close()

	_, ok := c.Get(context.Background(), "nivoda", 0, 100)
	assert.False(t, ok)
}
