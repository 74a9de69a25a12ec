package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances virtual time on every After call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestUntilDone(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{Interval: time.Second, Budget: time.Minute, Clock: clock}

	calls := 0
	out, err := w.Until(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil || out != Done {
		t.Fatalf("Until = %v, %v; want Done, nil", out, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestUntilBudget verifies the wait never runs past the budget.
func TestUntilBudget(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	w := Waiter{Interval: time.Second, Budget: 60 * time.Second, Clock: clock}

	calls := 0
	out, err := w.Until(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil || out != Expired {
		t.Fatalf("Until = %v, %v; want Expired, nil", out, err)
	}
	if elapsed := clock.Now().Sub(start); elapsed != 60*time.Second {
		t.Errorf("elapsed = %v, want 60s", elapsed)
	}
	if calls != 61 {
		t.Errorf("calls = %d, want 61", calls)
	}
}

func TestUntilTrimsLastInterval(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	w := Waiter{Interval: 4 * time.Second, Budget: 10 * time.Second, Clock: clock}

	_, _ = w.Until(context.Background(), func(context.Context) (bool, error) { return false, nil })
	if elapsed := clock.Now().Sub(start); elapsed != 10*time.Second {
		t.Errorf("elapsed = %v, want 10s", elapsed)
	}
}

func TestUntilCheckError(t *testing.T) {
	boom := errors.New("boom")
	w := Waiter{Interval: time.Second, Budget: time.Minute, Clock: newFakeClock()}

	out, err := w.Until(context.Background(), func(context.Context) (bool, error) { return false, boom })
	if !errors.Is(err, boom) || out != Done {
		t.Errorf("Until = %v, %v; want Done, boom", out, err)
	}
}

func TestUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := Waiter{Interval: time.Hour, Budget: 24 * time.Hour}

	calls := 0
	go cancel()
	out, err := w.Until(ctx, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil || out != Cancelled {
		t.Fatalf("Until = %v, %v; want Cancelled, nil", out, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
