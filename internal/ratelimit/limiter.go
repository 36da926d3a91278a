// Package ratelimit provides a lock-free, non-blocking rate limiter based on
// virtual scheduling.
//
// The limiter keeps a single "next permitted instant" cursor. A caller is
// granted a permit when the current instant has reached the cursor, and the
// cursor then advances by exactly one interval (1/rate). Because the cursor
// advances from its previous value instead of from "now", a caller that polls
// late can acquire every permit that came due in the meantime, which keeps the
// long-run average at the configured rate even when individual polls jitter.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ErrInvalidRate is returned when the requested rate is not a positive, finite number.
var ErrInvalidRate = errors.New("rate must be a positive finite number")

var epoch = time.Now()

// monotonicNanos never returns 0; 0 is reserved for an unanchored cursor.
func monotonicNanos() int64 {
	return int64(time.Since(epoch)) + 1
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the monotonic clock. The function must return
// strictly positive, non-decreasing nanosecond readings.
func WithClock(now func() int64) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter grants at most one permit per interval on average.
type Limiter struct {
	rate     float64
	interval int64
	cursor   atomic.Int64
	now      func() int64
}

// New returns a limiter granting ratePerSecond permits per second.
func New(ratePerSecond float64, opts ...Option) (*Limiter, error) {
	if math.IsNaN(ratePerSecond) || math.IsInf(ratePerSecond, 0) || ratePerSecond <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, ratePerSecond)
	}
	interval := int64(float64(time.Second) / ratePerSecond)
	if interval < 1 {
		interval = 1
	}
	l := &Limiter{
		rate:     ratePerSecond,
		interval: interval,
		now:      monotonicNanos,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TryAcquire reports whether a permit is available right now and consumes it
// if so. It never blocks.
func (l *Limiter) TryAcquire() bool {
	for {
		now := l.now()
		cur := l.cursor.Load()
		if cur == 0 {
			// First call after New or Reset anchors the schedule at now.
			if l.cursor.CompareAndSwap(0, now+l.interval) {
				return true
			}
			continue
		}
		if now < cur {
			return false
		}
		if l.cursor.CompareAndSwap(cur, cur+l.interval) {
			return true
		}
	}
}

// Reset drops the schedule so the next TryAcquire succeeds immediately and
// re-anchors at that instant.
func (l *Limiter) Reset() {
	l.cursor.Store(0)
}

// Rate returns the configured permits per second.
func (l *Limiter) Rate() float64 { return l.rate }

// Interval returns the spacing between permits.
func (l *Limiter) Interval() time.Duration { return time.Duration(l.interval) }
