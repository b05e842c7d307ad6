package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the time source for every wait and poll in the observatory
// control loop. Components depend on it rather than on the time package so
// tests can drive hours of session time without real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Wall returns a Clock backed by the system clock.
func Wall() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Mode describes how a TimeController advances time on Sleep.
type Mode int

const (
	// Stepped leaves time frozen until Advance or SetTime is called; Sleep
	// blocks until then.
	Stepped Mode = iota
	// Accelerated advances time by the requested amount on every Sleep and
	// returns immediately.
	Accelerated
)

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// TimeController is a virtual Clock for deterministic runs and tests.
type TimeController struct {
	mu        sync.Mutex
	StartTime time.Time
	Mode      Mode

	currentTime time.Time
	waiters     []waiter
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller starting at start.
func NewTimeController(start time.Time, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current virtual time.
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentTime
}

// After returns a channel that fires once virtual time reaches now+d.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	deadline := tc.currentTime.Add(d)
	if d <= 0 {
		now := tc.currentTime
		tc.mu.Unlock()
		ch <- now
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{deadline: deadline, ch: ch})
	tc.mu.Unlock()
	return ch
}

// Sleep advances time in Accelerated mode; in Stepped mode it waits for an
// external Advance past the deadline.
func (tc *TimeController) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tc.Mode == Accelerated {
		tc.Advance(d)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tc.After(d):
		return nil
	}
}

// AddListener registers a callback invoked after every time change.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves virtual time forward by d.
func (tc *TimeController) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	tc.mu.Lock()
	next := tc.currentTime.Add(d)
	tc.mu.Unlock()
	tc.SetTime(next)
}

// SetTime jumps virtual time to t, firing due waiters and listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	var due []waiter
	pending := tc.waiters[:0]
	for _, w := range tc.waiters {
		if !w.deadline.After(t) {
			due = append(due, w)
			continue
		}
		pending = append(pending, w)
	}
	tc.waiters = pending
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		w.ch <- t
	}
	for _, fn := range listeners {
		fn(t)
	}
}

// Elapsed returns the virtual time passed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// Pending returns the number of waiters that have not fired yet.
func (tc *TimeController) Pending() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.waiters)
}
