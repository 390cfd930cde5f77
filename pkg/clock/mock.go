package clock

import (
	"sync"
	"time"
)

// MockClock is a Clock whose time only moves when Add or Set is called.
// Tickers and timers fire synchronously from Add/Set; AfterFunc callbacks run on the
// calling goroutine after the clock's lock is released.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

// NewMock returns a new MockClock set to the given time.
func NewMock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock's current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set sets the mock clock's time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	funcs := c.fireLocked()
	c.mu.Unlock()

	for _, f := range funcs {
		f()
	}
}

// Add advances the mock clock by the given duration.
func (c *MockClock) Add(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	funcs := c.fireLocked()
	c.mu.Unlock()

	for _, f := range funcs {
		f()
	}
}

// PendingTimers returns the number of timers that have neither fired nor been stopped.
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// ActiveTickers returns the number of tickers that still receive ticks. Stopped
// tickers are pruned on the next Add or Set.
func (c *MockClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fireLocked delivers elapsed timers and ticks and returns AfterFunc callbacks to run.
func (c *MockClock) fireLocked() []func() {
	var funcs []func()
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if c.current.Before(t.deadline) {
			remaining = append(remaining, t)
			continue
		}
		t.fired = true
		if t.fn != nil {
			funcs = append(funcs, t.fn)
			continue
		}
		select {
		case t.ch <- c.current:
		default:
		}
	}
	c.timers = remaining

	live := c.tickers[:0]
	for _, t := range c.tickers {
		if t.stopped {
			t.registered = false
			continue
		}
		live = append(live, t)
		for !c.current.Before(t.next) {
			select {
			case t.ch <- c.current:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
	for i := len(live); i < len(c.tickers); i++ {
		c.tickers[i] = nil
	}
	c.tickers = live
	return funcs
}

// NewTicker returns a new mock Ticker.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{
		clock:    c,
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.current.Add(d),
	}
	t.registered = true
	c.tickers = append(c.tickers, t)
	return t
}

// NewTimer returns a new mock Timer.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.addTimer(d, nil)
}

// AfterFunc registers f to run once the mock time passes now+d.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.addTimer(d, f)
}

func (c *MockClock) addTimer(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		fn:       f,
	}
	if f == nil {
		t.ch = make(chan time.Time, 1)
	}
	c.timers = append(c.timers, t)
	return t
}

type mockTicker struct {
	clock    *MockClock
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool

	// registered is false once a stopped ticker has been pruned from the clock.
	registered bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

func (t *mockTicker) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.interval = d
	t.next = t.clock.current.Add(d)
	t.stopped = false
	if !t.registered {
		t.registered = true
		t.clock.tickers = append(t.clock.tickers, t)
	}
}

type mockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	fn       func()
	deadline time.Time
	fired    bool
	stopped  bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.fired && !t.stopped
	t.stopped = true
	return wasPending
}
