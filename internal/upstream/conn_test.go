package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projectsavahq/project-ava-sub000/internal/reliability"
)

type fakeUpstream struct {
	t        *testing.T
	server   *httptest.Server
	accepts  atomic.Int32
	refuseAt atomic.Int32
	onConn   func(n int32, ws *websocket.Conn)

	mu       sync.Mutex
	received []map[string]any
}

func newFakeUpstream(t *testing.T, onConn func(n int32, ws *websocket.Conn)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{t: t, onConn: onConn}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.accepts.Add(1)
		if at := f.refuseAt.Load(); at > 0 && n >= at {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var update map[string]any
		if err := ws.ReadJSON(&update); err != nil {
			return
		}
		f.record(update)
		_ = ws.WriteJSON(map[string]any{"type": "session.updated"})
		f.onConn(n, ws)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) record(m map[string]any) {
	f.mu.Lock()
	f.received = append(f.received, m)
	f.mu.Unlock()
}

func (f *fakeUpstream) messages(kind string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.received {
		if m["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		Model:            "test-model",
		Voice:            "alloy",
		Instructions:     "be kind",
		TurnDetection:    TurnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMS: 300, SilenceDurationMS: 500},
		HandshakeTimeout: time.Second,
		Retry:            reliability.RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Millisecond},
		EventBuffer:      16,
	}
}

func nextEvent(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for upstream event")
	}
	return Event{}
}

func readUntilClose(f *fakeUpstream, ws *websocket.Conn) {
	for {
		var m map[string]any
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		f.record(m)
	}
}

func TestOpenSendsSessionConfig(t *testing.T) {
	var f *fakeUpstream
	f = newFakeUpstream(t, func(_ int32, ws *websocket.Conn) { readUntilClose(f, ws) })

	c, err := Open(context.Background(), "s1", testConfig(f.url()), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	updates := f.messages("session.update")
	if len(updates) != 1 {
		t.Fatalf("expected 1 session.update, got %d", len(updates))
	}
	sess := updates[0]["session"].(map[string]any)
	if sess["voice"] != "alloy" || sess["input_audio_format"] != "pcm16" {
		t.Fatalf("unexpected session config %+v", sess)
	}
	td := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"].(float64) != 500 {
		t.Fatalf("unexpected turn detection %+v", td)
	}
}

func TestOpenFailsOnRejectedHandshake(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var update map[string]any
		_ = ws.ReadJSON(&update)
		_ = ws.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "bad key"}})
	}))
	defer srv.Close()

	_, err := Open(context.Background(), "s1", testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), nil)
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
}

func TestAudioChunksForwardedInOrder(t *testing.T) {
	const n = 50
	var f *fakeUpstream
	got := make(chan struct{})
	f = newFakeUpstream(t, func(_ int32, ws *websocket.Conn) {
		for i := 0; i < n; i++ {
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			f.record(m)
		}
		close(got)
		readUntilClose(f, ws)
	})

	c, err := Open(context.Background(), "s1", testConfig(f.url()), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	for i := 0; i < n; i++ {
		if err := c.SendAudio(context.Background(), []byte{byte(i), 0}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream did not receive all chunks")
	}
	appends := f.messages("input_audio_buffer.append")
	if len(appends) != n {
		t.Fatalf("expected %d appends, got %d", n, len(appends))
	}
	for i, m := range appends {
		pcm, _ := base64.StdEncoding.DecodeString(m["audio"].(string))
		if pcm[0] != byte(i) {
			t.Fatalf("chunk %d arrived out of order (tag %d)", i, pcm[0])
		}
	}
}

func TestEventsDecodedInOrder(t *testing.T) {
	f := newFakeUpstream(t, func(_ int32, ws *websocket.Conn) {
		for _, d := range []string{"Hel", "lo ", "world"} {
			_ = ws.WriteJSON(map[string]any{"type": "response.audio_transcript.delta", "response_id": "r1", "delta": d})
		}
		_ = ws.WriteJSON(map[string]any{"type": "response.output_audio.delta", "response_id": "r1",
			"delta": base64.StdEncoding.EncodeToString([]byte{1, 2})})
		_ = ws.WriteJSON(map[string]any{"type": "rate_limits.updated"})
		_ = ws.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{"id": "r1"}})
		var m map[string]any
		_ = ws.ReadJSON(&m)
	})

	c, err := Open(context.Background(), "s1", testConfig(f.url()), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	var text strings.Builder
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, c)
		if ev.Kind != EventAssistantDelta || ev.ResponseID != "r1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "Hello world" {
		t.Fatalf("unexpected transcript %q", text.String())
	}
	if ev := nextEvent(t, c); ev.Kind != EventAudioDelta || len(ev.Audio) != 2 {
		t.Fatalf("unexpected audio event %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != EventResponseDone || ev.ResponseID != "r1" {
		t.Fatalf("unexpected done event %+v", ev)
	}
}

func TestReconnectReplaysSessionConfig(t *testing.T) {
	var f *fakeUpstream
	f = newFakeUpstream(t, func(n int32, ws *websocket.Conn) {
		if n == 1 {
			return
		}
		readUntilClose(f, ws)
	})

	c, err := Open(context.Background(), "s1", testConfig(f.url()), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if ev := nextEvent(t, c); ev.Kind != EventReconnecting || ev.Attempt != 1 {
		t.Fatalf("expected reconnecting, got %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != EventReconnected {
		t.Fatalf("expected reconnected, got %+v", ev)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected after reconnect, got %s", c.State())
	}
	if got := len(f.messages("session.update")); got != 2 {
		t.Fatalf("expected session config replayed, got %d updates", got)
	}
}

func TestReconnectExhaustionClosesEvents(t *testing.T) {
	f := newFakeUpstream(t, func(int32, *websocket.Conn) {})
	f.refuseAt.Store(2)

	c, err := Open(context.Background(), "s1", testConfig(f.url()), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	var kinds []EventKind
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				if len(kinds) == 0 || kinds[len(kinds)-1] != EventClosed {
					t.Fatalf("expected terminal closed event, got %v", kinds)
				}
				if c.State() != StateDisconnected {
					t.Fatalf("expected disconnected, got %s", c.State())
				}
				return
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("events never closed, got %v", kinds)
		}
	}
}

func TestCloseStopsEvents(t *testing.T) {
	var f *fakeUpstream
	f = newFakeUpstream(t, func(_ int32, ws *websocket.Conn) { readUntilClose(f, ws) })
	c, err := Open(context.Background(), "s1", testConfig(f.url()), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = c.Close()
	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event after close %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events not closed after Close")
	}
	if err := c.SendAudio(context.Background(), []byte{0, 0}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDecodeErrorEventClassification(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"type": "error", "error": map[string]any{"type": "server_error", "message": "boom"}})
	ev, ok, err := decodeEvent(raw)
	if err != nil || !ok {
		t.Fatalf("decode: %v %v", ok, err)
	}
	if ev.Kind != EventError || ev.Code != "server_error" || !ev.Retryable {
		t.Fatalf("unexpected error event %+v", ev)
	}
}

func TestFlushRequestsResponseWithoutTurnDetection(t *testing.T) {
	var f *fakeUpstream
	seen := make(chan struct{})
	f = newFakeUpstream(t, func(_ int32, ws *websocket.Conn) {
		for i := 0; i < 2; i++ {
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			f.record(m)
		}
		close(seen)
		readUntilClose(f, ws)
	})
	cfg := testConfig(f.url())
	cfg.TurnDetection = TurnDetection{Type: "none"}
	c, err := Open(context.Background(), "s1", cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream did not receive flush")
	}
	if len(f.messages("input_audio_buffer.commit")) != 1 || len(f.messages("response.create")) != 1 {
		t.Fatalf("expected commit and response.create")
	}
}

func TestStalledResponseReconnects(t *testing.T) {
	var f *fakeUpstream
	f = newFakeUpstream(t, func(_ int32, ws *websocket.Conn) { readUntilClose(f, ws) })
	cfg := testConfig(f.url())
	cfg.StallTimeout = 100 * time.Millisecond
	c, err := Open(context.Background(), "s1", cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	start := time.Now()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	ev := nextEvent(t, c)
	if ev.Kind != EventReconnecting {
		t.Fatalf("event = %s, want %s", ev.Kind, EventReconnecting)
	}
	if elapsed := time.Since(start); elapsed < cfg.StallTimeout {
		t.Fatalf("reconnecting after %s, want at least %s", elapsed, cfg.StallTimeout)
	}
}

func TestIdleUpstreamWithoutPendingResponseStaysConnected(t *testing.T) {
	var f *fakeUpstream
	f = newFakeUpstream(t, func(_ int32, ws *websocket.Conn) { readUntilClose(f, ws) })
	cfg := testConfig(f.url())
	cfg.StallTimeout = 50 * time.Millisecond
	c, err := Open(context.Background(), "s1", cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want %s", c.State(), StateConnected)
	}
}

func TestStallWatchdogRearmsAfterResponseDone(t *testing.T) {
	var f *fakeUpstream
	f = newFakeUpstream(t, func(n int32, ws *websocket.Conn) {
		if n == 1 {
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			f.record(m)
			_ = ws.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{"id": "r1"}})
		}
		readUntilClose(f, ws)
	})
	cfg := testConfig(f.url())
	cfg.StallTimeout = 100 * time.Millisecond
	c, err := Open(context.Background(), "s1", cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if ev := nextEvent(t, c); ev.Kind != EventResponseDone {
		t.Fatalf("event = %s, want %s", ev.Kind, EventResponseDone)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if ev := nextEvent(t, c); ev.Kind != EventReconnecting {
		t.Fatalf("event = %s, want %s", ev.Kind, EventReconnecting)
	}
}
