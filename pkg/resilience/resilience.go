// Package resilience wraps outbound adapter calls with bounded retry and
// exponential backoff, provides a circuit breaker (Breaker, which no call
// path in this module goes through), and classifies errors into
// the kinds the rest of the pipeline reacts to (transient vs fatal vs
// rate-limit timeout).
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
)

// Kind is an error taxonomy bucket, not a concrete type, matching the
// error handling design: transient failures retry, fatal ones fail fast
// at the edge and never touch persisted state.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindRateLimit     Kind = "rate_limit"
	KindFatal         Kind = "fatal"
)

// Classifiable lets a caller mark an error with an explicit Kind instead
// of relying on the default (transient) classification.
type Classifiable interface {
	error
	Kind() Kind
}

// Classify returns the error taxonomy bucket for err. Unrecognized
// errors default to transient, matching the spec's bias toward retrying
// over failing fast.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classifiable
	if errors.As(err, &c) {
		return c.Kind()
	}
	if errors.Is(err, ratelimiter.ErrTimeout) {
		return KindRateLimit
	}
	return KindTransient
}

// RetryConfig bounds the retry budget for withRetry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the scanner/worker's bounded retry with
// exponential backoff over transient adapter failures.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// WithRetry calls fn until it succeeds, a fatal error is classified, or
// the retry budget is exhausted, sleeping between attempts for an
// exponential backoff delay jittered to 50-100% of its nominal value.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if Classify(err) == KindFatal {
			return err
		}
	}
	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}

// Breaker wraps a gobreaker.CircuitBreaker around outbound calls to one
// adapter endpoint, tripping open after sustained transient failures so
// a struggling supplier doesn't get hammered by every worker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a Breaker named for the given endpoint with the
// corpus's conventional settings: trip after 5 consecutive failures,
// half-open probe after 30s.
func NewBreaker(name string) *Breaker {
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker's current state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
