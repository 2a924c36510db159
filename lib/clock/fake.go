// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; all pending After, Sleep, and Ticker
// operations fire when the clock advances past their deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Time advances only
// when Advance is called.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	pending    []*pendingWait
	registered *sync.Cond
}

// pendingWait is one registered After, Sleep, or Ticker operation.
type pendingWait struct {
	deadline time.Time
	channel  chan time.Time
	// interval is non-zero for tickers: after firing, the wait is
	// rescheduled at deadline + interval.
	interval time.Duration
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.pending = append(c.pending, &pendingWait{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.registered.Broadcast()
	return channel
}

// NewTicker returns a Ticker that fires each time the clock advances
// across an interval boundary. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	wait := &pendingWait{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.pending = append(c.pending, wait)
	c.registered.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			wait.stopped = true
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// the deadline. If d <= 0, returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every pending wait
// whose deadline falls within the new time, in deadline order. Sends
// are non-blocking, matching time.Ticker's drop-if-full behavior. A
// ticker spanning multiple intervals fires once per interval (subject
// to the channel buffer).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, wait := range due {
			select {
			case wait.channel <- target:
			default:
			}
		}
	}
}

// takeDue removes expired waits from the pending list, reschedules
// tickers, and returns the waits that should fire.
func (c *FakeClock) takeDue(target time.Time) []*pendingWait {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*pendingWait
	for _, wait := range c.pending {
		if wait.stopped {
			continue
		}
		if wait.deadline.After(target) {
			remaining = append(remaining, wait)
			continue
		}
		due = append(due, wait)
		if wait.interval > 0 {
			wait.deadline = wait.deadline.Add(wait.interval)
			remaining = append(remaining, wait)
		}
	}
	c.pending = remaining
	return due
}

// WaitForPending blocks until at least n waits are registered and
// active. This removes the race between a goroutine registering a
// ticker and the test advancing the clock:
//
//	go loop.Run(ctx)
//	fakeClock.WaitForPending(1) // loop's ticker is registered
//	fakeClock.Advance(interval) // deterministically fires a scan
func (c *FakeClock) WaitForPending(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, wait := range c.pending {
		if !wait.stopped {
			count++
		}
	}
	return count
}
