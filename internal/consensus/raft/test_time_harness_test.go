package raft

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// fakeClock hands out prepared timers and tickers in creation order so tests
// can fire them explicitly.
type fakeClock struct {
	mu       sync.Mutex
	timers   []*fakeTimer
	tickers  []*fakeTicker
	nextT    int
	nextK    int
	timerDs  []time.Duration
	tickerDs []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{} }

// install swaps the node's timer and ticker factories for the fake ones.
func (c *fakeClock) install(n *Node) {
	n.newTimer = c.NewTimer
	n.newTicker = c.NewTicker
}

func (c *fakeClock) AddTimer() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), active: true}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) AddTicker() *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) NewTimer(d time.Duration) raftTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timerDs = append(c.timerDs, d)
	if c.nextT >= len(c.timers) {
		panic(fmt.Sprintf("fakeClock: no timer prepared for call %d", c.nextT+1))
	}
	t := c.timers[c.nextT]
	c.nextT++
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) raftTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickerDs = append(c.tickerDs, d)
	if c.nextK >= len(c.tickers) {
		panic(fmt.Sprintf("fakeClock: no ticker prepared for call %d", c.nextK+1))
	}
	t := c.tickers[c.nextK]
	c.nextK++
	return t
}

func (c *fakeClock) TimerDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.timerDs)
}

func (c *fakeClock) TickerDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tickerDs)
}

type fakeTimer struct {
	mu         sync.Mutex
	ch         chan time.Time
	active     bool
	resetCount int
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = true
	t.resetCount++
	return was
}

func (t *fakeTimer) Fire() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
	select {
	case t.ch <- time.Now():
	default:
	}
}

func (t *fakeTimer) ResetCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetCount
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

func (t *fakeTicker) Fire() {
	select {
	case t.ch <- time.Now():
	default:
	}
}
