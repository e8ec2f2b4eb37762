// Package basic provides an in-process rate limiter for single-instance
// deployments.
package basic

import (
	"context"
	"sync"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// DefaultWindow is the period a limit applies to.
const DefaultWindow = time.Minute

// Limiter implements ports.RateLimiter with fixed windows per key.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	start time.Time
	count int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow sets the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{window: DefaultWindow, now: time.Now, buckets: make(map[string]*bucket)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one event for key and reports whether it is within limit
// for the current window. A non-positive limit always allows.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		b = &bucket{start: now}
		l.buckets[key] = b
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// Remaining returns how many events key may still record in its window and
// when the window resets.
func (l *Limiter) Remaining(key string, limit int) (int, time.Time) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		return limit, now.Add(l.window)
	}
	if left := limit - b.count; left > 0 {
		return left, b.start.Add(l.window)
	}
	return 0, b.start.Add(l.window)
}

// sweep drops expired buckets once per window.
func (l *Limiter) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, key)
		}
	}
	l.sweepAt = now.Add(l.window)
}

var _ ports.RateLimiter = (*Limiter)(nil)
