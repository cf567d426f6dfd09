package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time operations for testing
type Clock interface {
	// Now returns the current time
	Now() time.Time
	// NewTicker returns a ticker that fires every d
	NewTicker(d time.Duration) Ticker
	// AfterFunc calls f in its own goroutine after d has elapsed
	AfterFunc(d time.Duration, f func()) Timer
	// After returns a channel that receives once d has elapsed
	After(d time.Duration) <-chan time.Time
}

// Ticker is the subset of *time.Ticker the scheduler needs
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer is a cancellable one-shot callback
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// RealClock implements Clock using the system time
type RealClock struct{}

// Now returns the current time
func (RealClock) Now() time.Time {
	return time.Now()
}

// NewTicker wraps time.NewTicker
func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

// AfterFunc wraps time.AfterFunc
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// After wraps time.After
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock implements Clock for testing. Time only moves on Advance or Set,
// and timers due by then fire synchronously inside that call.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

// NewMockClock creates a mock clock starting at t
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

type mockWaiter struct {
	clock    *MockClock
	deadline time.Time
	period   time.Duration // >0 for tickers
	fn       func()
	ch       chan time.Time
}

type mockTimer struct{ *mockWaiter }

func (t mockTimer) Stop() bool { return t.stop() }

type mockTicker struct{ *mockWaiter }

func (t mockTicker) C() <-chan time.Time { return t.ch }
func (t mockTicker) Stop()               { t.stop() }

// Now returns the mocked current time
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTicker creates a ticker driven by Advance
func (m *MockClock) NewTicker(d time.Duration) Ticker {
	w := &mockWaiter{clock: m, period: d, ch: make(chan time.Time, 1)}
	m.add(w, d)
	return mockTicker{w}
}

// AfterFunc registers f to run when the clock passes now+d
func (m *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	w := &mockWaiter{clock: m, fn: f}
	m.add(w, d)
	return mockTimer{w}
}

// After returns a channel that receives when the clock passes now+d
func (m *MockClock) After(d time.Duration) <-chan time.Time {
	w := &mockWaiter{clock: m, ch: make(chan time.Time, 1)}
	m.add(w, d)
	return w.ch
}

func (m *MockClock) add(w *mockWaiter, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.deadline = m.now.Add(d)
	m.waiters = append(m.waiters, w)
}

// Pending returns the number of timers and tickers not yet stopped or fired
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Advance moves the mocked time forward by d, firing everything due
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the mocked time to t, firing everything due on the way
func (m *MockClock) Set(t time.Time) {
	for {
		m.mu.Lock()
		sort.SliceStable(m.waiters, func(i, j int) bool {
			return m.waiters[i].deadline.Before(m.waiters[j].deadline)
		})
		if len(m.waiters) == 0 || m.waiters[0].deadline.After(t) {
			m.now = t
			m.mu.Unlock()
			return
		}
		w := m.waiters[0]
		if w.deadline.After(m.now) {
			m.now = w.deadline
		}
		now := m.now
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			m.waiters = m.waiters[1:]
		}
		m.mu.Unlock()

		w.fire(now)
	}
}

func (w *mockWaiter) fire(now time.Time) {
	if w.fn != nil {
		w.fn()
		return
	}
	select {
	case w.ch <- now:
	default:
	}
}

func (w *mockWaiter) stop() bool {
	m := w.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.waiters {
		if other == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Ensure implementations satisfy the interface
var (
	_ Clock = RealClock{}
	_ Clock = (*MockClock)(nil)
)
