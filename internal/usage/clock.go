package usage

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts time for the tracker so tests can drive decay
// deterministically instead of sleeping.
//
// Schedule runs fn once, d after Now(). Implementations must tolerate
// fn scheduling further work.
type Clock interface {
	Now() time.Time
	Schedule(d time.Duration, fn func())
}

// ---- wall clock ----

// WallClock routes all deadlines through a single goroutine draining a
// min-heap, so the number of outstanding runtime timers stays at one no
// matter how many decays are pending.
type WallClock struct {
	mu     sync.Mutex
	events eventHeap
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewWallClock() *WallClock {
	return &WallClock{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *WallClock) Now() time.Time { return time.Now() }

func (c *WallClock) Schedule(d time.Duration, fn func()) {
	if fn == nil {
		return
	}
	at := time.Now().Add(d)
	c.mu.Lock()
	heap.Push(&c.events, event{at: at, fn: fn})
	first := c.events[0].at.Equal(at)
	c.mu.Unlock()

	c.once.Do(func() { go c.loop() })
	if first {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops the scheduler goroutine. Pending events are discarded.
func (c *WallClock) Close() {
	c.once.Do(func() {}) // loop may never have started
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *WallClock) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		c.mu.Lock()
		var wait time.Duration
		if len(c.events) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(c.events[0].at)
		}
		c.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-c.done:
			return
		case <-c.wake:
			// earliest deadline changed; recompute
		case <-timer.C:
			c.runDue(time.Now())
		}
	}
}

func (c *WallClock) runDue(now time.Time) {
	for {
		c.mu.Lock()
		if len(c.events) == 0 || c.events[0].at.After(now) {
			c.mu.Unlock()
			return
		}
		ev := heap.Pop(&c.events).(event)
		c.mu.Unlock()
		ev.fn()
	}
}

// ---- manual clock (tests) ----

// ManualClock is a deterministic Clock for tests. Advance moves time
// forward and fires every due callback in deadline order on the calling
// goroutine.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	events eventHeap
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Schedule(d time.Duration, fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	heap.Push(&c.events, event{at: c.now.Add(d), fn: fn})
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		if len(c.events) == 0 || c.events[0].at.After(target) {
			break
		}
		ev := heap.Pop(&c.events).(event)
		if ev.at.After(c.now) {
			c.now = ev.at
		}
		c.mu.Unlock()
		ev.fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// ---- shared heap ----

type event struct {
	at time.Time
	fn func()
}

type eventHeap []event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}
