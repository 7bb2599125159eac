// Package timeutil lets the tracker, simulator and recorder read time
// through an interface so tests can drive them with a MockClock.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the rest of laneflow uses.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	NewTicker(d time.Duration) Ticker
}

// Ticker is a stoppable source of periodic ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)           { time.Sleep(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return wallTicker{time.NewTicker(d)}
}

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// MockClock only moves when told to. Sleep is recorded and returns at once;
// tickers fire from Advance and Set.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	tickers []*MockTicker
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Set jumps to t. Tickers that became due fire once.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	due := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()
	for _, tk := range due {
		tk.fire(t)
	}
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
}

// Sleeps lists every duration passed to Sleep, in call order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &MockTicker{ch: make(chan time.Time, 1), every: d, due: c.now.Add(d)}
	c.tickers = append(c.tickers, tk)
	return tk
}

// TickerCount reports how many tickers were created, stopped or not. A test
// polls it to know a loop is parked on its ticker before calling Advance.
func (c *MockClock) TickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

// MockTicker buffers one tick; a tick is dropped if the previous one was
// never read, like time.Ticker.
type MockTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	every   time.Duration
	due     time.Time
	stopped bool
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *MockTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.due) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.due = now.Add(t.every)
}
