// Package transcript buffers streaming transcript deltas until the upstream
// service marks a response complete.
package transcript

import (
	"strings"
	"sync"
)

// Key identifies one in-flight transcript.
type Key struct {
	SessionID  string
	ResponseID string
}

// Accumulator is safe for concurrent use.
type Accumulator struct {
	mu   sync.Mutex
	bufs map[Key]*strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{bufs: make(map[Key]*strings.Builder)}
}

// Append adds a delta in arrival order.
func (a *Accumulator) Append(k Key, delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bufs[k]
	if !ok {
		b = &strings.Builder{}
		a.bufs[k] = b
	}
	b.WriteString(delta)
}

// Flush returns the concatenated deltas for k and forgets them. When nothing
// was buffered the fallback (the completion event's own payload) is returned.
func (a *Accumulator) Flush(k Key, fallback string) string {
	a.mu.Lock()
	b, ok := a.bufs[k]
	delete(a.bufs, k)
	a.mu.Unlock()
	if !ok || b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// DiscardSession drops every buffer owned by sessionID.
func (a *Accumulator) DiscardSession(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k := range a.bufs {
		if k.SessionID == sessionID {
			delete(a.bufs, k)
			n++
		}
	}
	return n
}

// Pending reports how many buffers are open.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bufs)
}
