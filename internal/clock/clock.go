// Package clock abstracts wall time so timers can be driven from tests.
package clock

import (
	"slices"
	"sync"
	"time"
)

// Clock is the subset of the time package the console uses.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The real clock runs f on its
	// own goroutine; the fake clock runs it inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports false if the call already ran or was
// already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// NowMs returns the clock's time as Unix milliseconds.
func NowMs(c Clock) int64 { return c.Now().UnixMilli() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

// FakeClock only moves when Advance is called. It is safe for concurrent
// use, but callbacks must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	f        func()
	done     bool
}

// Fake returns a FakeClock starting at start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	ft := &fakeTimer{deadline: c.now.Add(d), f: f}
	c.pending = append(c.pending, ft)
	c.mu.Unlock()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ft.done {
			return false
		}
		ft.done = true
		return true
	}}
}

// Advance moves time forward by d and runs every callback that came due, in
// deadline order. Callbacks scheduled by callbacks run too if they fall due
// within the same advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, ft := range due {
			ft.f()
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due, keep []*fakeTimer
	for _, ft := range c.pending {
		switch {
		case ft.done:
		case ft.deadline.After(target):
			keep = append(keep, ft)
		default:
			ft.done = true
			due = append(due, ft)
		}
	}
	c.pending = keep
	slices.SortStableFunc(due, func(a, b *fakeTimer) int { return a.deadline.Compare(b.deadline) })
	return due
}

// PendingCount returns the number of timers that have neither fired nor been
// stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ft := range c.pending {
		if !ft.done {
			n++
		}
	}
	return n
}
