package ratelimiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestAcquireRejectsUnderHammering reproduces scenario S8: 40 concurrent
// callers against r=2 tokens per 100ms window. With a short max_wait_ms
// some callers must be rejected; with a generous max_wait_ms none are,
// but the queue must have been non-trivial at some point.
func TestAcquireRejectsUnderHammering(t *testing.T) {
	t.Run("short max wait rejects some callers", func(t *testing.T) {
		lim := New("test-endpoint", Config{
			MaxRequestsPerWindow: 2,
			Window:               100 * time.Millisecond,
			MaxWait:              500 * time.Millisecond,
		})
		defer lim.Destroy()

		rejected := runCallers(t, lim, 40)
		assert.Greater(t, rejected, 0)
	})

	t.Run("generous max wait admits everyone", func(t *testing.T) {
		lim := New("test-endpoint-2", Config{
			MaxRequestsPerWindow: 2,
			Window:               100 * time.Millisecond,
			MaxWait:              60 * time.Second,
		})
		defer lim.Destroy()

		var peak int
		var mu sync.Mutex
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					d := lim.QueueDepth()
					mu.Lock()
					if d > peak {
						peak = d
					}
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
				}
			}
		}()

		rejected := runCallers(t, lim, 40)
		close(stop)

		assert.Equal(t, 0, rejected)
		mu.Lock()
		assert.Greater(t, peak, 0)
		mu.Unlock()
	})
}

func TestDestroyRejectsPendingWaiters(t *testing.T) {
	lim := New("test-endpoint-3", Config{
		MaxRequestsPerWindow: 1,
		Window:               time.Second,
		MaxWait:              5 * time.Second,
	})

	// Drain the single token so the next Acquire queues.
	require := assert.New(t)
	require.NoError(lim.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- lim.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	lim.Destroy()

	err := <-done
	require.True(errors.Is(err, ErrDestroyed))
}

func runCallers(t *testing.T, lim *Limiter, n int) int {
	t.Helper()
	var wg sync.WaitGroup
	var rejected int
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lim.Acquire(ctx); err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return rejected
}
