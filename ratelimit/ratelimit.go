// Package ratelimit provides a shared minimum-interval request throttle.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// IntervalLimiter enforces a minimum interval between successive grants
// across every worker sharing it. It is a global throttle on aggregate
// request rate, not a per-worker pacer.
type IntervalLimiter struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewIntervalLimiter builds a limiter with the given minimum interval.
// A non-positive interval disables throttling.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{interval: interval}
}

// Acquire blocks until at least the configured interval has elapsed since
// the last grant to any caller, then records the new grant time. It returns
// early with the context error if ctx is cancelled while waiting.
func (l *IntervalLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	wait := l.interval - now.Sub(l.last)
	if wait <= 0 {
		l.last = now
		l.mu.Unlock()
		return nil
	}

	// Claim the next slot before sleeping so concurrent acquirers queue
	// behind it instead of racing for the same slot.
	l.last = now.Add(wait)
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval reports the configured minimum interval.
func (l *IntervalLimiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
