package raft

import (
	"math/rand/v2"
	"time"
)

type raftTimer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type raftTicker interface {
	C() <-chan time.Time
	Stop()
}

type (
	timerFactory        func(d time.Duration) raftTimer
	tickerFactory       func(d time.Duration) raftTicker
	electionTimeoutFunc func() time.Duration
)

type stdTimer struct{ t *time.Timer }

func (t *stdTimer) C() <-chan time.Time             { return t.t.C }
func (t *stdTimer) Stop() bool                      { return t.t.Stop() }
func (t *stdTimer) Reset(d time.Duration) bool      { return t.t.Reset(d) }
func defaultTimerFactory(d time.Duration) raftTimer { return &stdTimer{t: time.NewTimer(d)} }

type stdTicker struct{ t *time.Ticker }

func (t *stdTicker) C() <-chan time.Time              { return t.t.C }
func (t *stdTicker) Stop()                            { t.t.Stop() }
func defaultTickerFactory(d time.Duration) raftTicker { return &stdTicker{t: time.NewTicker(d)} }

// jitteredTimeout returns a uniformly random duration in [lo, hi).
func jitteredTimeout(lo, hi time.Duration) electionTimeoutFunc {
	return func() time.Duration {
		if hi <= lo {
			return lo
		}
		//nolint:gosec // election jitter needs pseudo-random spread, not cryptographic randomness.
		return lo + rand.N(hi-lo)
	}
}

// resetTimer stops t, drains a pending fire and re-arms it with d.
func resetTimer(t raftTimer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C():
		default:
		}
	}
	t.Reset(d)
}
