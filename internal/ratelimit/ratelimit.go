// Package ratelimit implements the sliding-window admission control the
// importer applies in front of the migration API.
//
// The limiter keeps the timestamps of recently admitted requests. Wait blocks
// until admitting one more request would keep the count inside the trailing
// interval at or below MaxRate; Register records an admission. The two are
// separate so a caller can recheck its own conditions in between.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so tests can drive the limiter deterministically.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Limiter admits at most maxRate requests per rolling interval.
type Limiter struct {
	maxRate  int
	interval time.Duration
	clock    Clock

	mu   sync.Mutex
	hist []time.Time // admission times, oldest first
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New returns a limiter admitting maxRate requests per interval.
func New(maxRate int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxRate:  maxRate,
		interval: interval,
		clock:    SystemClock,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Wait blocks until one more admission fits in the window. Stale timestamps
// are pruned on every pass and the budget is rechecked after each sleep, so
// an early wakeup only costs another iteration.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.prune(now)
		if len(l.hist) < l.maxRate {
			l.mu.Unlock()
			return nil
		}
		// An admission exactly interval old still counts.
		d := l.hist[0].Add(l.interval).Sub(now) + time.Nanosecond
		l.mu.Unlock()

		if err := l.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Register records an admission at the current time.
func (l *Limiter) Register() {
	l.mu.Lock()
	l.hist = append(l.hist, l.clock.Now())
	l.mu.Unlock()
}

// Rate reports admissions per second over the current window.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return float64(len(l.hist)) / l.interval.Seconds()
}

// prune drops admissions older than interval. l.mu must be held.
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.hist) && now.Sub(l.hist[i]) > l.interval {
		i++
	}
	if i > 0 {
		l.hist = append(l.hist[:0], l.hist[i:]...)
	}
}
