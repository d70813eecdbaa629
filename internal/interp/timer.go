package interp

import (
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
)

// Timer schedules one-shot callbacks at absolute times. The returned cancel
// function stops a pending callback; cancelling a fired timer is a no-op.
type Timer interface {
	ScheduleAt(at time.Time, fn func()) (cancel func())
}

// SimpleTimer fires callbacks with time.AfterFunc, measuring the delay
// against the injected clock so scheduled times line up with stored deadlines.
type SimpleTimer struct {
	clock clock.Clock
}

// NewSimpleTimer creates a wall-clock timer.
func NewSimpleTimer(clk clock.Clock) *SimpleTimer {
	return &SimpleTimer{clock: clk}
}

// ScheduleAt fires fn at the given time; times in the past fire immediately.
func (t *SimpleTimer) ScheduleAt(at time.Time, fn func()) func() {
	d := at.Sub(t.clock.Now())
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}

// FakeTimer records scheduled callbacks for tests; nothing fires until the
// test calls Fire.
type FakeTimer struct {
	mu      sync.Mutex
	entries []fakeEntry
}

type fakeEntry struct {
	at        time.Time
	fn        func()
	cancelled bool
}

// NewFakeTimer creates an empty fake timer.
func NewFakeTimer() *FakeTimer {
	return &FakeTimer{}
}

// ScheduleAt records the callback.
func (t *FakeTimer) ScheduleAt(at time.Time, fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.entries)
	t.entries = append(t.entries, fakeEntry{at: at, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.entries[idx].cancelled = true
	}
}

// Fire runs every pending callback scheduled at or before now, in schedule
// order, and returns how many ran.
func (t *FakeTimer) Fire(now time.Time) int {
	t.mu.Lock()
	var due []func()
	for i := range t.entries {
		e := &t.entries[i]
		if e.fn != nil && !e.cancelled && !e.at.After(now) {
			due = append(due, e.fn)
			e.fn = nil
		}
	}
	t.mu.Unlock()

	for _, fn := range due {
		fn()
	}
	return len(due)
}

// Pending returns how many callbacks are scheduled and not yet fired.
func (t *FakeTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.fn != nil && !e.cancelled {
			n++
		}
	}
	return n
}
