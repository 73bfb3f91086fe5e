package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests of retry
// backoff and trigger fire-time computation.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing any timers whose deadline
// has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var fire []*fakeTimer
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fire {
		select {
		case w.ch <- now:
		default:
		}
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), deadline: f.now.Add(d), clock: f}
	f.waiters = append(f.waiters, t)
	return t
}

type fakeTimer struct {
	ch       chan time.Time
	deadline time.Time
	clock    *Fake
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, w := range t.clock.waiters {
		if w == t {
			t.clock.waiters = append(t.clock.waiters[:i], t.clock.waiters[i+1:]...)
			return true
		}
	}
	return false
}
