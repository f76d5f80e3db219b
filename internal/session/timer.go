package session

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	timerPending int32 = iota
	timerFired
	timerCancelled
)

// Timer runs fn once after a delay unless cancelled first. Firing and
// cancelling race through one compare-and-swap, so exactly one of them wins.
type Timer struct {
	state atomic.Int32
	fn    func()
	t     *time.Timer
}

func AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	t.t = time.AfterFunc(d, t.fire)
	return t
}

func (t *Timer) fire() {
	if t.state.CompareAndSwap(timerPending, timerFired) {
		t.fn()
	}
}

// Cancel reports true only if it prevented fn from running.
func (t *Timer) Cancel() bool {
	if !t.state.CompareAndSwap(timerPending, timerCancelled) {
		return false
	}
	t.t.Stop()
	return true
}

func (t *Timer) Pending() bool { return t.state.Load() == timerPending }

// Grace keeps at most one pending teardown timer per session.
type Grace struct {
	mu     sync.Mutex
	timers map[string]*Timer
}

func NewGrace() *Grace {
	return &Grace{timers: make(map[string]*Timer)}
}

// Schedule arms fn to run after the delay. It is a no-op returning false while
// a timer for id is still pending.
func (g *Grace) Schedule(id string, after time.Duration, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[id]; ok && t.Pending() {
		return false
	}
	var t *Timer
	t = AfterFunc(after, func() {
		g.mu.Lock()
		if g.timers[id] == t {
			delete(g.timers, id)
		}
		g.mu.Unlock()
		fn()
	})
	g.timers[id] = t
	return true
}

// Cancel stops the pending timer for id, reporting whether one was stopped
// before it fired.
func (g *Grace) Cancel(id string) bool {
	g.mu.Lock()
	t, ok := g.timers[id]
	delete(g.timers, id)
	g.mu.Unlock()
	if !ok {
		return false
	}
	return t.Cancel()
}

func (g *Grace) Pending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.timers[id]
	return ok && t.Pending()
}

// Stop cancels every pending timer.
func (g *Grace) Stop() {
	g.mu.Lock()
	timers := g.timers
	g.timers = make(map[string]*Timer)
	g.mu.Unlock()
	for _, t := range timers {
		t.Cancel()
	}
}
