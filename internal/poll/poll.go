// Package poll waits on a condition at a fixed interval under a deadline.
package poll

import (
	"context"
	"time"
)

// Clock abstracts time so waits can be driven deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is backed by the time package.
var RealClock Clock = realClock{}

// Waiter polls a check every Interval until it reports done, the Budget
// elapses, or the context is cancelled.
type Waiter struct {
	Interval time.Duration
	Budget   time.Duration
	Clock    Clock
}

// Outcome describes how a wait ended.
type Outcome int

const (
	Done Outcome = iota
	// Expired means the budget ran out before the check reported done.
	Expired
	// Cancelled means the context ended first.
	Cancelled
)

// Until calls check immediately and then after every interval. It returns
// Done when check reports true, Expired once the budget is spent, and
// Cancelled when ctx ends. A non-nil error from check stops the wait and is
// returned with Done.
func (w Waiter) Until(ctx context.Context, check func(ctx context.Context) (bool, error)) (Outcome, error) {
	clock := w.Clock
	if clock == nil {
		clock = RealClock
	}
	deadline := clock.Now().Add(w.Budget)

	for {
		done, err := check(ctx)
		if err != nil || done {
			return Done, err
		}
		if !clock.Now().Before(deadline) {
			return Expired, nil
		}
		wait := w.Interval
		if left := deadline.Sub(clock.Now()); left < wait {
			wait = left
		}
		select {
		case <-ctx.Done():
			return Cancelled, nil
		case <-clock.After(wait):
		}
	}
}
