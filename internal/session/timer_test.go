package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFiresOnce(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	tm := AfterFunc(5*time.Millisecond, func() {
		calls.Add(1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
	if tm.Cancel() {
		t.Fatalf("cancel after fire should report false")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestTimerCancelPreventsFire(t *testing.T) {
	var calls atomic.Int32
	tm := AfterFunc(20*time.Millisecond, func() { calls.Add(1) })
	if !tm.Cancel() {
		t.Fatalf("expected cancel to win")
	}
	if tm.Cancel() {
		t.Fatalf("second cancel should report false")
	}
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

func TestTimerCancelRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		var calls atomic.Int32
		tm := AfterFunc(time.Microsecond, func() { calls.Add(1) })
		cancelled := tm.Cancel()
		deadline := time.Now().Add(time.Second)
		for !cancelled && calls.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Microsecond)
		}
		time.Sleep(100 * time.Microsecond)
		got := calls.Load()
		if cancelled && got != 0 {
			t.Fatalf("iteration %d: cancel won but fn ran", i)
		}
		if !cancelled && got != 1 {
			t.Fatalf("iteration %d: cancel lost but fn ran %d times", i, got)
		}
	}
}

func TestGraceScheduleIsSingleFlight(t *testing.T) {
	g := NewGrace()
	defer g.Stop()

	var calls atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	if !g.Schedule("s1", 10*time.Millisecond, func() {
		calls.Add(1)
		wg.Done()
	}) {
		t.Fatalf("first schedule should arm")
	}
	if g.Schedule("s1", 10*time.Millisecond, func() { calls.Add(1) }) {
		t.Fatalf("second schedule should be a no-op while pending")
	}
	if !g.Pending("s1") {
		t.Fatalf("expected pending timer")
	}
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one call, got %d", calls.Load())
	}
	if g.Pending("s1") {
		t.Fatalf("fired timer still pending")
	}
}

func TestGraceCancel(t *testing.T) {
	g := NewGrace()
	var calls atomic.Int32
	g.Schedule("s1", 20*time.Millisecond, func() { calls.Add(1) })
	if !g.Cancel("s1") {
		t.Fatalf("expected cancel to stop timer")
	}
	if g.Cancel("s1") {
		t.Fatalf("second cancel should report false")
	}
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled grace timer fired")
	}
}
