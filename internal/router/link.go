package router

import (
	"sync"
	"time"

	"github.com/projectsavahq/project-ava-sub000/internal/protocol"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	audioSendTimeout    = 200 * time.Millisecond
)

// Binding is one live client transport. Outbound is drained by the
// transport's writer; Done closes when the transport is gone.
type Binding struct {
	ID       string
	Outbound chan<- protocol.ServerMessage
	Done     <-chan struct{}
}

type deliverFunc func(Binding, protocol.ServerMessage)

// link is the router state attached to one registry entry.
type link struct {
	id     string
	userID string
	up     Upstream

	inbound chan protocol.ClientMessage
	stop    chan struct{}
	once    sync.Once

	// mu serializes deliveries so a rebind flushes the backlog before any
	// newer event reaches the new transport.
	mu         sync.Mutex
	bind       *Binding
	backlog    []protocol.ServerMessage
	backlogCap int
	closed     bool

	// owned by the session loop
	seq      int
	inputAt  time.Time
	sawAudio bool
}

func newLink(id, userID string, up Upstream, opts Options) *link {
	return &link{
		id:         id,
		userID:     userID,
		up:         up,
		inbound:    make(chan protocol.ClientMessage, opts.InboundBuffer),
		stop:       make(chan struct{}),
		backlogCap: opts.BacklogSize,
	}
}

type sendResult int

const (
	sentLive sendResult = iota
	sentBacklog
	sentBacklogEvicted
	sentDiscarded
)

func (l *link) send(msg protocol.ServerMessage, deliver deliverFunc) sendResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sentDiscarded
	}
	if l.bind == nil {
		res := sentBacklog
		if len(l.backlog) >= l.backlogCap {
			l.backlog = l.backlog[1:]
			res = sentBacklogEvicted
		}
		l.backlog = append(l.backlog, msg)
		return res
	}
	deliver(*l.bind, msg)
	return sentLive
}

// attach installs b, writes first and then any backlog to it, and returns the
// binding it replaced.
func (l *link) attach(b Binding, first protocol.ServerMessage, deliver deliverFunc) *Binding {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.bind
	l.bind = &b
	if l.closed {
		return old
	}
	deliver(b, first)
	for _, msg := range l.backlog {
		deliver(b, msg)
	}
	l.backlog = nil
	return old
}

func (l *link) detach(bindingID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bind != nil && l.bind.ID == bindingID {
		l.bind = nil
	}
}

// finish writes the last message and rejects everything after it.
func (l *link) finish(last protocol.ServerMessage, deliver deliverFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.bind != nil {
		deliver(*l.bind, last)
	}
	l.closed = true
	l.backlog = nil
}

func (r *Router) emit(l *link, msg protocol.ServerMessage) {
	switch l.send(msg, r.deliver) {
	case sentBacklog:
		r.outbound(msg, "backlogged")
	case sentBacklogEvicted:
		r.outbound(msg, "backlogged")
		r.event("backlog_evicted")
	case sentDiscarded:
		r.outbound(msg, "discarded")
	}
}

// deliver applies the outbound policy: critical messages wait briefly, audio
// waits a little, everything else is dropped when the transport queue is full.
func (r *Router) deliver(b Binding, msg protocol.ServerMessage) {
	wait := outboundWait(msg)
	if wait == 0 {
		select {
		case b.Outbound <- msg:
			r.outbound(msg, "delivered")
		case <-b.Done:
			r.outbound(msg, "closed")
		default:
			r.outbound(msg, "dropped")
			r.event("outbound_drop")
		}
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case b.Outbound <- msg:
		r.outbound(msg, "delivered")
	case <-b.Done:
		r.outbound(msg, "closed")
	case <-timer.C:
		r.outbound(msg, "timeout")
		r.event("outbound_drop")
	}
}

func (r *Router) outbound(msg protocol.ServerMessage, result string) {
	r.metrics.OutboundMessages.WithLabelValues(string(msg.Kind()), result).Inc()
}

func outboundWait(msg protocol.ServerMessage) time.Duration {
	switch m := msg.(type) {
	case protocol.Connected, protocol.SessionEnded, protocol.Error, protocol.CrisisAlert:
		return criticalSendTimeout
	case protocol.UserTranscript:
		if m.IsFinal {
			return criticalSendTimeout
		}
	case protocol.AssistantTranscript:
		if m.IsFinal {
			return criticalSendTimeout
		}
	case protocol.AudioChunk:
		return audioSendTimeout
	}
	return 0
}
