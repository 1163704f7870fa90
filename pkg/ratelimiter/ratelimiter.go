// Package ratelimiter implements a process-local token bucket with
// bounded waiting, shared by the scanner, worker, and any outbound proxy
// call against a feed endpoint. It is the only shared mutable object in
// the hot path and is never distributed across processes.
package ratelimiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nivoda/diamond-ingest/pkg/metrics"
)

// ErrTimeout is returned when a caller waited max_wait_ms without a
// token becoming available.
var ErrTimeout = errors.New("ratelimiter: timed out waiting for a token")

// ErrDestroyed is returned to every pending and future waiter once
// Destroy has been called.
var ErrDestroyed = errors.New("ratelimiter: limiter destroyed")

// Config configures one token bucket window.
type Config struct {
	// MaxRequestsPerWindow is the number of tokens granted at each
	// window boundary.
	MaxRequestsPerWindow int
	// Window is the refill period.
	Window time.Duration
	// MaxWait bounds how long acquire() suspends before failing with
	// ErrTimeout.
	MaxWait time.Duration
}

type waiter struct {
	ready chan error
}

// Limiter is a token bucket gate for one outbound endpoint. Waiters are
// served strictly FIFO: a short critical section guards token
// accounting and the waiter queue; waiters themselves sleep on their own
// channel, not on the lock.
type Limiter struct {
	endpoint string
	cfg      Config

	mu      sync.Mutex
	tokens  int
	queue   []*waiter
	stopped bool
	stopCh  chan struct{}
}

// New creates a Limiter for the named endpoint (used only as a metrics
// label) and starts its refill loop.
func New(endpoint string, cfg Config) *Limiter {
	l := &Limiter{
		endpoint: endpoint,
		cfg:      cfg,
		tokens:   cfg.MaxRequestsPerWindow,
		stopCh:   make(chan struct{}),
	}
	go l.refillLoop()
	return l
}

func (l *Limiter) refillLoop() {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.refill()
		case <-l.stopCh:
			return
		}
	}
}

// refill grants a fresh window of tokens and wakes as many FIFO waiters
// as it can satisfy.
func (l *Limiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.cfg.MaxRequestsPerWindow

	for len(l.queue) > 0 && l.tokens > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.tokens--
		w.ready <- nil
	}
	metrics.RateLimiterQueueDepth.WithLabelValues(l.endpoint).Set(float64(len(l.queue)))
}

// Acquire blocks until a token is available, the configured MaxWait
// elapses (ErrTimeout), the limiter is destroyed (ErrDestroyed), or ctx
// is canceled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrDestroyed
	}
	if l.tokens > 0 && len(l.queue) == 0 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan error, 1)}
	l.queue = append(l.queue, w)
	metrics.RateLimiterQueueDepth.WithLabelValues(l.endpoint).Set(float64(len(l.queue)))
	l.mu.Unlock()

	timer := time.NewTimer(l.cfg.MaxWait)
	defer timer.Stop()

	select {
	case err := <-w.ready:
		return err
	case <-timer.C:
		l.removeWaiter(w)
		metrics.RateLimiterRejectedTotal.WithLabelValues(l.endpoint).Inc()
		return ErrTimeout
	case <-ctx.Done():
		l.removeWaiter(w)
		return ctx.Err()
	case <-l.stopCh:
		return ErrDestroyed
	}
}

func (l *Limiter) removeWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	metrics.RateLimiterQueueDepth.WithLabelValues(l.endpoint).Set(float64(len(l.queue)))
}

// QueueDepth returns the number of callers currently waiting for a token.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Destroy rejects all pending waiters with ErrDestroyed and stops the
// refill loop. Subsequent Acquire calls also fail with ErrDestroyed.
func (l *Limiter) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopCh)
	for _, w := range l.queue {
		w.ready <- ErrDestroyed
	}
	l.queue = nil
}
