// Package clock lets schedulers run on real or manually advanced time.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so schedulers can be driven by tests.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker used by the schedulers.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time {
	return r.t.C
}

func (r *realTicker) Stop() {
	r.t.Stop()
}

// Fake is a manually advanced Clock.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*FakeTicker
}

// NewFake creates a Fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward without firing tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Ticker creates a FakeTicker that only fires on Tick.
func (f *Fake) Ticker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &FakeTicker{c: make(chan time.Time, 1), period: d}
	f.tickers = append(f.tickers, t)
	return t
}

// Tick fires every live ticker once. A tick is dropped if the previous one
// has not been consumed, matching time.Ticker.
func (f *Fake) Tick() {
	f.mu.Lock()
	now := f.now
	tickers := append([]*FakeTicker(nil), f.tickers...)
	f.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

// FakeTicker is returned by Fake.Ticker.
type FakeTicker struct {
	mu      sync.Mutex
	c       chan time.Time
	period  time.Duration
	stopped bool
}

func (t *FakeTicker) Chan() <-chan time.Time {
	return t.c
}

func (t *FakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Period returns the interval the ticker was created with.
func (t *FakeTicker) Period() time.Duration {
	return t.period
}

func (t *FakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.c <- now:
	default:
	}
}
