package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/listmigrate/internal/ratelimit"
)

// fakeClock advances only when someone sleeps on it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWait_AdmitsUpToMaxRateWithoutSleeping(t *testing.T) {
	clk := newFakeClock()
	l := ratelimit.New(3, time.Second, ratelimit.WithClock(clk))

	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
		l.Register()
	}
	if len(clk.sleeps) != 0 {
		t.Fatalf("expected no sleeps, got %v", clk.sleeps)
	}
	if got := l.Rate(); got != 3 {
		t.Errorf("Rate() = %v, want 3", got)
	}
}

func TestWait_SleepsUntilOldestLeavesWindow(t *testing.T) {
	clk := newFakeClock()
	l := ratelimit.New(2, time.Second, ratelimit.WithClock(clk))

	l.Register()
	clk.Advance(300 * time.Millisecond)
	l.Register()
	clk.Advance(100 * time.Millisecond)

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	want := 600*time.Millisecond + time.Nanosecond
	if len(clk.sleeps) != 1 || clk.sleeps[0] != want {
		t.Fatalf("sleeps = %v, want [%v]", clk.sleeps, want)
	}
}

func TestWait_WindowNeverExceedsMaxRate(t *testing.T) {
	const (
		maxRate  = 10
		interval = time.Second
	)
	clk := newFakeClock()
	l := ratelimit.New(maxRate, interval, ratelimit.WithClock(clk))

	var admitted []time.Time
	for i := 0; i < 95; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
		l.Register()
		admitted = append(admitted, clk.Now())
		// Irregular caller pacing.
		clk.Advance(time.Duration(i%7) * 13 * time.Millisecond)
	}

	for i, start := range admitted {
		n := 0
		for _, ts := range admitted[i:] {
			if ts.Sub(start) <= interval {
				n++
			}
		}
		if n > maxRate {
			t.Fatalf("window starting at admission %d holds %d requests, max %d", i, n, maxRate)
		}
	}
}

func TestWait_HonoursCancellation(t *testing.T) {
	l := ratelimit.New(1, time.Hour)
	l.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestRate_PrunesStaleAdmissions(t *testing.T) {
	clk := newFakeClock()
	l := ratelimit.New(5, 2*time.Second, ratelimit.WithClock(clk))
	l.Register()
	l.Register()
	if got := l.Rate(); got != 1 {
		t.Errorf("Rate() = %v, want 1", got)
	}
	clk.Advance(2 * time.Second)
	if got := l.Rate(); got != 1 {
		t.Errorf("Rate() at window edge = %v, want 1", got)
	}
	clk.Advance(time.Millisecond)
	if got := l.Rate(); got != 0 {
		t.Errorf("Rate() after window = %v, want 0", got)
	}
}

func TestWait_AdmissionAtWindowEdgeStillCounts(t *testing.T) {
	clk := newFakeClock()
	l := ratelimit.New(2, time.Second, ratelimit.WithClock(clk))
	start := clk.Now()

	l.Register()
	l.Register()
	clk.Advance(time.Second)

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if got := clk.Now().Sub(start); got <= time.Second {
		t.Fatalf("third admission at +%v, want strictly after +1s", got)
	}
}
