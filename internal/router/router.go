package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/projectsavahq/project-ava-sub000/internal/analysis"
	"github.com/projectsavahq/project-ava-sub000/internal/audio"
	"github.com/projectsavahq/project-ava-sub000/internal/observability"
	"github.com/projectsavahq/project-ava-sub000/internal/protocol"
	"github.com/projectsavahq/project-ava-sub000/internal/session"
	"github.com/projectsavahq/project-ava-sub000/internal/store"
	"github.com/projectsavahq/project-ava-sub000/internal/transcript"
	"github.com/projectsavahq/project-ava-sub000/internal/upstream"
)

var (
	ErrNoSession    = errors.New("no such session")
	ErrSessionEnded = errors.New("session ended")
)

const (
	persistTimeout = 3 * time.Second
)

// Upstream is the per-session realtime connection. *upstream.Conn satisfies it.
type Upstream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	Flush(ctx context.Context) error
	Events() <-chan upstream.Event
	State() upstream.State
	Close() error
}

// Opener establishes the upstream connection for a new session.
type Opener func(ctx context.Context, sessionID string, prefs session.Preferences) (Upstream, error)

type Options struct {
	GracePeriod     time.Duration
	IdleTimeout     time.Duration
	InboundBuffer   int
	BacklogSize     int
	AnalyzerTimeout time.Duration
	Redact          bool
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 64
	}
	if o.BacklogSize <= 0 {
		o.BacklogSize = 256
	}
	if o.AnalyzerTimeout <= 0 {
		o.AnalyzerTimeout = 3 * time.Second
	}
	return o
}

// Router owns every live session: it translates client messages into
// upstream calls, upstream events into client messages, and runs the single
// teardown path all endings converge on.
type Router struct {
	opts      Options
	reg       *session.Registry[*link]
	acc       *transcript.Accumulator
	open      Opener
	store     store.Store
	analyzer  analysis.Analyzer
	escalator analysis.Escalator
	metrics   *observability.Metrics
}

// New builds a router. open, st and metrics are required; a nil analyzer or
// escalator disables that stage.
func New(opts Options, open Opener, st store.Store, analyzer analysis.Analyzer, escalator analysis.Escalator, metrics *observability.Metrics) (*Router, error) {
	switch {
	case open == nil:
		return nil, errors.New("router: upstream opener is required")
	case st == nil:
		return nil, errors.New("router: store is required")
	case metrics == nil:
		return nil, errors.New("router: metrics are required")
	}
	opts = opts.withDefaults()
	r := &Router{
		opts:      opts,
		reg:       session.NewRegistry[*link](opts.IdleTimeout),
		acc:       transcript.NewAccumulator(),
		open:      open,
		store:     st,
		analyzer:  analyzer,
		escalator: escalator,
		metrics:   metrics,
	}
	r.reg.SetIdleHook(func(s session.Session) {
		if l, ok := r.reg.Link(s.ID); ok {
			r.teardown(l, session.StatusEnded, "idle_timeout")
		}
	})
	return r, nil
}

// Start runs the idle janitor until ctx is cancelled.
func (r *Router) Start(ctx context.Context, janitorInterval time.Duration) {
	r.reg.StartJanitor(ctx, janitorInterval)
}

type ConnectRequest struct {
	UserID      string
	SessionID   string
	Preferences session.Preferences
	Binding     Binding
}

type ConnectResult struct {
	Session session.Session
	Resumed bool
}

// Connect binds a transport to a session. A known live session owned by the
// same user is resumed without a new upstream handshake; otherwise a new
// session is opened. Failures are *protocol.Fault.
func (r *Router) Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	if req.SessionID != "" {
		if l, ok := r.reg.Link(req.SessionID); ok {
			return r.resume(l, req)
		}
		log.Printf("router: resume requested for unknown session=%s user=%s, opening new session", req.SessionID, req.UserID)
	}

	s := session.New(req.UserID, req.Preferences)
	started := time.Now()
	up, err := r.open(ctx, s.ID, req.Preferences)
	if err != nil {
		r.event("upstream_connect_failed")
		log.Printf("router: upstream open failed session=%s user=%s: %v", s.ID, req.UserID, err)
		return ConnectResult{}, &protocol.Fault{Code: protocol.CodeUpstreamConnectFailed, Recoverable: true, Err: err}
	}
	r.metrics.ObserveStage(observability.StageUpstreamHandshake, time.Since(started))

	l := newLink(s.ID, req.UserID, up, r.opts)
	l.bind = &req.Binding
	s, err = r.reg.Insert(s, req.Binding.ID, l)
	if err != nil {
		_ = up.Close()
		return ConnectResult{}, &protocol.Fault{Code: protocol.CodeUpstreamConnectFailed, Recoverable: true, Err: err}
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := r.store.CreateSession(persistCtx, store.SessionRecord{
		ID:        s.ID,
		UserID:    s.UserID,
		Status:    string(s.Status),
		StartedAt: s.StartedAt,
	}); err != nil {
		r.collaboratorError("store")
		log.Printf("router: create session record failed session=%s: %v", s.ID, err)
	}
	cancel()

	r.metrics.ActiveSessions.Inc()
	r.event("session_started")
	r.emit(l, r.connected(s, false))
	go r.loop(l)
	return ConnectResult{Session: s}, nil
}

func (r *Router) resume(l *link, req ConnectRequest) (ConnectResult, error) {
	prev, s, err := r.reg.Bind(l.id, req.UserID, req.Binding.ID)
	switch {
	case errors.Is(err, session.ErrForbidden), errors.Is(err, session.ErrNotFound):
		return ConnectResult{}, &protocol.Fault{Code: protocol.CodeNoSession, Err: err}
	case errors.Is(err, session.ErrClosing):
		return ConnectResult{}, &protocol.Fault{Code: protocol.CodeSessionEnded, Err: err}
	case err != nil:
		return ConnectResult{}, &protocol.Fault{Code: protocol.CodeNoSession, Err: err}
	}

	old := l.attach(req.Binding, r.connected(s, true), r.deliver)
	if old != nil && old.ID == prev {
		r.deliver(*old, protocol.Error{
			Type:        protocol.TypeError,
			SessionID:   l.id,
			Message:     "session was resumed on another connection",
			Code:        protocol.CodeSessionRebound,
			Recoverable: false,
		})
	}
	r.event("session_resumed")
	log.Printf("router: session=%s resumed binding=%s", l.id, req.Binding.ID)
	return ConnectResult{Session: s, Resumed: true}, nil
}

func (r *Router) connected(s session.Session, resumed bool) protocol.Connected {
	return protocol.Connected{
		Type:      protocol.TypeConnected,
		SessionID: s.ID,
		Status:    string(s.Status),
		Metadata: protocol.ConnectedMetadata{
			UserID:        s.UserID,
			SampleRate:    audio.Contract.SampleRate,
			Channels:      audio.Contract.Channels,
			Encoding:      audio.Encoding,
			StartedAt:     s.StartedAt,
			Resumed:       resumed,
			MessageCount:  s.MessageCount,
			DurationMS:    s.Duration(time.Now().UTC()).Milliseconds(),
			GracePeriodMS: r.opts.GracePeriod.Milliseconds(),
			IdleTimeoutMS: r.opts.IdleTimeout.Milliseconds(),
		},
	}
}

// Dispatch queues one client message for the session's loop, preserving
// arrival order. A repeated disconnect for a finished session is a no-op.
func (r *Router) Dispatch(ctx context.Context, sessionID, bindingID string, msg protocol.ClientMessage) error {
	_, isDisconnect := msg.(protocol.Disconnect)
	l, ok := r.reg.Link(sessionID)
	if !ok {
		if isDisconnect {
			return nil
		}
		return ErrNoSession
	}
	if r.reg.Binding(sessionID) != bindingID {
		return ErrNoSession
	}
	select {
	case l.inbound <- msg:
		return nil
	case <-l.stop:
		if isDisconnect {
			return nil
		}
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransportLost starts the grace window for a binding that went away. It is
// ignored for bindings that were already replaced.
func (r *Router) TransportLost(sessionID, bindingID string) {
	l, ok := r.reg.Link(sessionID)
	if !ok {
		return
	}
	armed := r.reg.Release(sessionID, bindingID, r.opts.GracePeriod, func(session.Session) {
		r.event("grace_expired")
		r.teardown(l, session.StatusEnded, "grace_expired")
	})
	if !armed {
		return
	}
	l.detach(bindingID)
	r.event("transport_lost")
	log.Printf("router: session=%s transport lost, grace=%s", sessionID, r.opts.GracePeriod)
}

// End terminates a session administratively.
func (r *Router) End(sessionID, reason string) error {
	if _, err := r.reg.Get(sessionID); err != nil {
		return ErrNoSession
	}
	if !r.end(sessionID, session.StatusEnded, reason) {
		return ErrSessionEnded
	}
	return nil
}

// Shutdown ends every live session.
func (r *Router) Shutdown() {
	for _, s := range r.reg.Snapshot() {
		r.end(s.ID, session.StatusEnded, "server_shutdown")
	}
	r.reg.Close()
}

func (r *Router) Sessions() []session.Session { return r.reg.Snapshot() }

func (r *Router) Session(id string) (session.Session, error) {
	s, err := r.reg.Get(id)
	if err != nil {
		return session.Session{}, ErrNoSession
	}
	return s, nil
}

func (r *Router) ActiveCount() int { return r.reg.ActiveCount() }

// end claims the teardown for an explicit ending. Only the first caller wins.
func (r *Router) end(id string, status session.Status, reason string) bool {
	if _, ok := r.reg.BeginEnd(id); !ok {
		return false
	}
	l, ok := r.reg.Link(id)
	if !ok {
		return false
	}
	r.teardown(l, status, reason)
	return true
}

// teardown runs once per session, after the caller moved it to ending.
func (r *Router) teardown(l *link, status session.Status, reason string) {
	l.once.Do(func() {
		close(l.stop)
		if err := l.up.Close(); err != nil {
			log.Printf("router: session=%s upstream close: %v", l.id, err)
		}
		if n := r.acc.DiscardSession(l.id); n > 0 {
			log.Printf("router: session=%s discarded %d pending transcripts", l.id, n)
		}
		sum, err := r.reg.Finish(l.id, status, reason)
		if err != nil {
			log.Printf("router: session=%s finish: %v", l.id, err)
			return
		}
		r.persistSummary(sum)
		r.metrics.ActiveSessions.Dec()
		r.event("session_" + string(status))
		log.Printf("router: session=%s ended status=%s reason=%s duration=%s", l.id, status, reason, sum.Duration)

		l.finish(protocol.SessionEnded{
			Type:      protocol.TypeSessionEnded,
			SessionID: l.id,
			EndedAt:   sum.EndedAt,
			Summary: protocol.SessionSummary{
				Status:       string(sum.Status),
				Reason:       sum.Reason,
				StartedAt:    sum.StartedAt,
				DurationMS:   sum.Duration.Milliseconds(),
				MessageCount: sum.MessageCount,
				AudioSeconds: sum.AudioSeconds,
			},
		}, r.deliver)
	})
}

func (r *Router) persistSummary(sum session.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ended := sum.EndedAt
	err := r.store.UpdateSession(ctx, store.SessionRecord{
		ID:           sum.SessionID,
		UserID:       sum.UserID,
		Status:       string(sum.Status),
		Reason:       sum.Reason,
		StartedAt:    sum.StartedAt,
		EndedAt:      &ended,
		DurationMS:   sum.Duration.Milliseconds(),
		MessageCount: sum.MessageCount,
		AudioSeconds: sum.AudioSeconds,
	})
	if err != nil {
		r.collaboratorError("store")
		log.Printf("router: persist summary failed session=%s: %v", sum.SessionID, err)
	}
}

// saveMessageBestEffort persists off the session loop; failures are counted.
func (r *Router) saveMessageBestEffort(l *link, role, content, responseID string) {
	if r.opts.Redact {
		content, _ = transcript.Redact(content)
	}
	if _, err := r.reg.AddMessage(l.id); err != nil {
		return
	}
	now := time.Now().UTC()
	rec := store.MessageRecord{
		ID:         store.NewMessageID(now),
		SessionID:  l.id,
		UserID:     l.userID,
		Role:       role,
		Content:    content,
		ResponseID: responseID,
		CreatedAt:  now,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.SaveMessage(ctx, rec); err != nil {
			r.collaboratorError("store")
			log.Printf("router: save message failed session=%s: %v", rec.SessionID, err)
		}
	}()
}

func (r *Router) event(name string) {
	r.metrics.SessionEvents.WithLabelValues(name).Inc()
}

func (r *Router) collaboratorError(name string) {
	r.metrics.CollaboratorErrors.WithLabelValues(name).Inc()
}

func (r *Router) emitError(l *link, code string, recoverable bool, err error) {
	msg := code
	if err != nil {
		msg = fmt.Sprintf("%s: %v", code, err)
	}
	r.emit(l, protocol.Error{
		Type:        protocol.TypeError,
		SessionID:   l.id,
		Message:     msg,
		Code:        code,
		Recoverable: recoverable,
	})
}
