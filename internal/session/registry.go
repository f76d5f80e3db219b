package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/projectsavahq/project-ava-sub000/internal/audio"
)

type entry[L any] struct {
	sess    Session
	binding string
	link    L
}

// Registry is the authoritative table of live sessions. L is whatever live
// machinery the caller attaches to a session (upstream connection, queues).
//
// A session has at most one transport binding. Rebinding cancels a pending
// grace teardown inside the same critical section, so a rebind that takes the
// lock before an expiry always wins.
type Registry[L any] struct {
	mu          sync.Mutex
	entries     map[string]*entry[L]
	grace       *Grace
	idleTimeout time.Duration
	onIdle      func(Session)
}

func NewRegistry[L any](idleTimeout time.Duration) *Registry[L] {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Registry[L]{
		entries:     make(map[string]*entry[L]),
		grace:       NewGrace(),
		idleTimeout: idleTimeout,
	}
}

// SetIdleHook installs the callback for sessions the janitor moved to ending.
// The hook owns the rest of the teardown.
func (r *Registry[L]) SetIdleHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onIdle = hook
}

// Insert registers s bound to binding. A connecting session becomes ready.
func (r *Registry[L]) Insert(s Session, binding string, link L) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.ID]; ok {
		return Session{}, ErrExists
	}
	if s.Status == StatusConnecting {
		s.Status = StatusReady
	}
	s.LastActivityAt = time.Now().UTC()
	r.entries[s.ID] = &entry[L]{sess: s, binding: binding, link: link}
	return s, nil
}

func (r *Registry[L]) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.sess, nil
}

func (r *Registry[L]) Link(id string) (L, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero L
		return zero, false
	}
	return e.link, true
}

// Binding returns the current binding id, empty while unbound.
func (r *Registry[L]) Binding(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.binding
	}
	return ""
}

// Touch refreshes last activity without changing status.
func (r *Registry[L]) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.sess.LastActivityAt = time.Now().UTC()
	return nil
}

// Activate promotes ready to active and refreshes activity. It fails once the
// session started ending.
func (r *Registry[L]) Activate(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !e.sess.Status.Live() {
		return e.sess, ErrClosing
	}
	e.sess.Status = StatusActive
	e.sess.LastActivityAt = time.Now().UTC()
	return e.sess, nil
}

// AddAudio records PCM bytes received for the session.
func (r *Registry[L]) AddAudio(id string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.sess.AudioBytes += int64(n)
	return nil
}

// AddMessage increments the message count and returns the new value.
func (r *Registry[L]) AddMessage(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, ErrNotFound
	}
	e.sess.MessageCount++
	return e.sess.MessageCount, nil
}

// Bind attaches binding to the session owned by userID, returning the binding
// it replaced. Any pending grace teardown is cancelled.
func (r *Registry[L]) Bind(id, userID, binding string) (prev string, s Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", Session{}, ErrNotFound
	}
	if userID != "" && e.sess.UserID != userID {
		return "", Session{}, ErrForbidden
	}
	if !e.sess.Status.Live() {
		return "", Session{}, ErrClosing
	}
	r.grace.Cancel(id)
	prev = e.binding
	e.binding = binding
	e.sess.LastActivityAt = time.Now().UTC()
	return prev, e.sess, nil
}

// Release unbinds binding and schedules onExpire after the grace period. On
// expiry the session is moved to ending only if it is still unbound; onExpire
// then owns the teardown. Returns false if binding was not current or a timer
// is already pending.
func (r *Registry[L]) Release(id, binding string, after time.Duration, onExpire func(Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.binding != binding || !e.sess.Status.Live() {
		return false
	}
	e.binding = ""
	return r.grace.Schedule(id, after, func() {
		s, ok := r.expireUnbound(id)
		if ok && onExpire != nil {
			onExpire(s)
		}
	})
}

// GracePending reports whether a teardown timer is armed for id.
func (r *Registry[L]) GracePending(id string) bool {
	return r.grace.Pending(id)
}

func (r *Registry[L]) expireUnbound(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.binding != "" || !e.sess.Status.Live() {
		return Session{}, false
	}
	e.sess.Status = StatusEnding
	return e.sess, true
}

// BeginEnd moves a live session to ending. Only the first caller gets true;
// concurrent or repeated calls are no-ops.
func (r *Registry[L]) BeginEnd(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.sess.Status.Live() {
		return Session{}, false
	}
	r.grace.Cancel(id)
	e.sess.Status = StatusEnding
	return e.sess, true
}

// Finish marks an ending session terminal, removes it and returns its summary.
func (r *Registry[L]) Finish(id string, status Status, reason string) (Summary, error) {
	if !status.Terminal() {
		status = StatusEnded
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Summary{}, ErrNotFound
	}
	delete(r.entries, id)
	r.mu.Unlock()
	r.grace.Cancel(id)

	now := time.Now().UTC()
	s := e.sess
	s.Status = status
	s.EndedAt = &now
	return Summary{
		SessionID:    s.ID,
		UserID:       s.UserID,
		Status:       status,
		Reason:       reason,
		StartedAt:    s.StartedAt,
		EndedAt:      now,
		Duration:     s.Duration(now),
		MessageCount: s.MessageCount,
		AudioSeconds: audio.Contract.Duration(s.AudioBytes).Seconds(),
	}, nil
}

// ActiveCount counts registered sessions that are not yet ending.
func (r *Registry[L]) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.sess.Status.Live() {
			count++
		}
	}
	return count
}

// Snapshot returns copies of every registered session, oldest first.
func (r *Registry[L]) Snapshot() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.sess)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry[L]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

// Close cancels all pending grace timers.
func (r *Registry[L]) Close() {
	r.grace.Stop()
}

func (r *Registry[L]) expireIdle() {
	now := time.Now().UTC()
	var expired []Session

	r.mu.Lock()
	for id, e := range r.entries {
		if !e.sess.Status.Live() {
			continue
		}
		if now.Sub(e.sess.LastActivityAt) < r.idleTimeout {
			continue
		}
		r.grace.Cancel(id)
		e.sess.Status = StatusEnding
		expired = append(expired, e.sess)
	}
	hook := r.onIdle
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}
