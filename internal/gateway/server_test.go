package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projectsavahq/project-ava-sub000/internal/analysis"
	"github.com/projectsavahq/project-ava-sub000/internal/auth"
	"github.com/projectsavahq/project-ava-sub000/internal/config"
	"github.com/projectsavahq/project-ava-sub000/internal/observability"
	"github.com/projectsavahq/project-ava-sub000/internal/router"
	"github.com/projectsavahq/project-ava-sub000/internal/session"
	"github.com/projectsavahq/project-ava-sub000/internal/store"
	"github.com/projectsavahq/project-ava-sub000/internal/upstream"
)

var metricsSeq atomic.Int32

type stubUpstream struct {
	mu     sync.Mutex
	state  upstream.State
	events chan upstream.Event
	once   sync.Once
}

func (u *stubUpstream) SendAudio(context.Context, []byte) error { return nil }
func (u *stubUpstream) SendText(context.Context, string) error  { return nil }
func (u *stubUpstream) Flush(context.Context) error             { return nil }
func (u *stubUpstream) Events() <-chan upstream.Event           { return u.events }

func (u *stubUpstream) State() upstream.State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *stubUpstream) Close() error {
	u.once.Do(func() {
		u.mu.Lock()
		u.state = upstream.StateDisconnected
		u.mu.Unlock()
		close(u.events)
	})
	return nil
}

type testGateway struct {
	ts     *httptest.Server
	router *router.Router
	opens  atomic.Int32
}

func newTestGateway(t *testing.T, cfg config.Config, authn auth.Authenticator) *testGateway {
	t.Helper()
	if cfg.SessionConnectTimeout == 0 {
		cfg.SessionConnectTimeout = 2 * time.Second
	}
	if cfg.AudioMaxChunkBytes == 0 {
		cfg.AudioMaxChunkBytes = 1 << 20
	}
	if authn == nil {
		cfg.AuthMode = "none"
		authn = auth.DevAuthenticator{}
	}
	metrics := observability.NewMetrics(fmt.Sprintf("gateway_test_%d", metricsSeq.Add(1)))
	st := store.NewInMemoryStore()
	g := &testGateway{}
	opener := func(context.Context, string, session.Preferences) (router.Upstream, error) {
		g.opens.Add(1)
		return &stubUpstream{state: upstream.StateConnected, events: make(chan upstream.Event, 8)}, nil
	}
	rt, err := router.New(router.Options{GracePeriod: 2 * time.Second, IdleTimeout: time.Minute}, opener, st, analysis.NewKeywordAnalyzer(), analysis.LogEscalator{}, metrics)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	g.router = rt
	srv := New(cfg, g.router, authn, st, metrics)
	g.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		g.ts.Close()
		g.router.Shutdown()
	})
	return g
}

func (g *testGateway) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/v1/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write error = %v", err)
	}
}

// readType reads frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: read error = %v", want, err)
		}
		if msg["type"] == want {
			return msg
		}
	}
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close frame", err)
		}
		return ce.Code
	}
}

func connect(t *testing.T, conn *websocket.Conn, user, sessionID string) map[string]any {
	t.Helper()
	msg := map[string]any{"type": "connect", "userId": user}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	send(t, conn, msg)
	return readType(t, conn, "connected")
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	res, err := http.Get(g.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	conn := g.dial(t, nil)

	got := connect(t, conn, "user-1", "")
	if got["status"] != "ready" {
		t.Fatalf("status = %v, want ready", got["status"])
	}
	meta, _ := got["metadata"].(map[string]any)
	if meta["sampleRate"] != float64(24000) || meta["channels"] != float64(1) || meta["encoding"] != "pcm16" {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta["resumed"] != false {
		t.Fatalf("resumed = %v, want false", meta["resumed"])
	}

	send(t, conn, map[string]any{"type": "disconnect"})
	ended := readType(t, conn, "session-ended")
	summary, _ := ended["summary"].(map[string]any)
	if summary["reason"] != "client_disconnect" {
		t.Fatalf("reason = %v, want client_disconnect", summary["reason"])
	}
	if code := readCloseCode(t, conn); code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
}

func TestOversizedAudioIsRecoverable(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	conn := g.dial(t, nil)
	connected := connect(t, conn, "user-1", "")
	sessionID, _ := connected["sessionId"].(string)

	big := base64.StdEncoding.EncodeToString(make([]byte, 2<<20))
	send(t, conn, map[string]any{"type": "audio", "audio": big})
	errMsg := readType(t, conn, "error")
	if errMsg["code"] != "INVALID_AUDIO" || errMsg["recoverable"] != true {
		t.Fatalf("error = %+v, want recoverable INVALID_AUDIO", errMsg)
	}

	send(t, conn, map[string]any{"type": "heartbeat", "sessionId": sessionID})
	if ack := readType(t, conn, "heartbeat-ack"); ack["sessionId"] != sessionID {
		t.Fatalf("ack sessionId = %v, want %s", ack["sessionId"], sessionID)
	}
}

func TestFrameAboveReadCapIsRecoverable(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	conn := g.dial(t, nil)
	connected := connect(t, conn, "user-1", "")
	sessionID, _ := connected["sessionId"].(string)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 5<<20)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	errMsg := readType(t, conn, "error")
	if errMsg["code"] != "INVALID_AUDIO" || errMsg["recoverable"] != true {
		t.Fatalf("binary error = %+v, want recoverable INVALID_AUDIO", errMsg)
	}

	big := base64.StdEncoding.EncodeToString(make([]byte, 4<<20))
	send(t, conn, map[string]any{"type": "audio", "audio": big})
	errMsg = readType(t, conn, "error")
	if errMsg["code"] != "INVALID_AUDIO" || errMsg["recoverable"] != true {
		t.Fatalf("json audio error = %+v, want recoverable INVALID_AUDIO", errMsg)
	}

	text := `{"type":"text-input","text":"` + strings.Repeat("a", 5<<20) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write text: %v", err)
	}
	errMsg = readType(t, conn, "error")
	if errMsg["code"] != "INVALID_MESSAGE" || errMsg["recoverable"] != true {
		t.Fatalf("text error = %+v, want recoverable INVALID_MESSAGE", errMsg)
	}

	send(t, conn, map[string]any{"type": "heartbeat", "sessionId": sessionID})
	if ack := readType(t, conn, "heartbeat-ack"); ack["sessionId"] != sessionID {
		t.Fatalf("ack sessionId = %v, want %s", ack["sessionId"], sessionID)
	}
	if g.opens.Load() != 1 {
		t.Fatalf("opens = %d, want 1", g.opens.Load())
	}
}

func TestEnvelopeType(t *testing.T) {
	cases := map[string]string{
		`{"type":"text-input","text":"aaaa`: "text-input",
		`{"sessionId":"s1","type":"audio","audio":"AAAA`: "audio",
		`{"audio":"AAAAAAAA`: "",
		`[1,2`: "",
	}
	for in, want := range cases {
		if got := envelopeType([]byte(in)); got != want {
			t.Fatalf("envelopeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMessageBeforeConnect(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	conn := g.dial(t, nil)

	send(t, conn, map[string]any{"type": "audio-end"})
	if got := readType(t, conn, "error"); got["code"] != "NO_SESSION" {
		t.Fatalf("code = %v, want NO_SESSION", got["code"])
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 480)); err != nil {
		t.Fatalf("write binary error = %v", err)
	}
	if got := readType(t, conn, "error"); got["code"] != "NO_SESSION" {
		t.Fatalf("code = %v, want NO_SESSION", got["code"])
	}
	if g.opens.Load() != 0 {
		t.Fatalf("opens = %d, want 0", g.opens.Load())
	}
}

func TestConnectTimeoutClosesSocket(t *testing.T) {
	g := newTestGateway(t, config.Config{SessionConnectTimeout: 100 * time.Millisecond}, nil)
	conn := g.dial(t, nil)
	if code := readCloseCode(t, conn); code != closeConnectTimeout {
		t.Fatalf("close code = %d, want %d", code, closeConnectTimeout)
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	authn, err := auth.ParseStaticTokens("good:user-1")
	if err != nil {
		t.Fatalf("ParseStaticTokens error = %v", err)
	}
	g := newTestGateway(t, config.Config{AuthMode: "static"}, authn)

	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/v1/voice/ws"
	header := http.Header{"Authorization": []string{"Bearer bad"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("dial succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want status %d", res, http.StatusUnauthorized)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	authn, err := auth.ParseStaticTokens("good:user-1")
	if err != nil {
		t.Fatalf("ParseStaticTokens error = %v", err)
	}
	g := newTestGateway(t, config.Config{AuthMode: "static"}, authn)
	conn := g.dial(t, nil)

	send(t, conn, map[string]any{"type": "connect", "userId": "user-1", "token": "bad"})
	got := readType(t, conn, "error")
	if got["code"] != "UNAUTHORIZED" || got["recoverable"] != false {
		t.Fatalf("error = %+v, want non-recoverable UNAUTHORIZED", got)
	}
	if code := readCloseCode(t, conn); code != closeUnauthorized {
		t.Fatalf("close code = %d, want %d", code, closeUnauthorized)
	}
	if g.opens.Load() != 0 {
		t.Fatalf("opens = %d, want 0", g.opens.Load())
	}
}

func TestUpgradeTokenIdentifiesConnect(t *testing.T) {
	authn, err := auth.ParseStaticTokens("good:user-1")
	if err != nil {
		t.Fatalf("ParseStaticTokens error = %v", err)
	}
	g := newTestGateway(t, config.Config{AuthMode: "static"}, authn)
	conn := g.dial(t, http.Header{"Authorization": []string{"Bearer good"}})

	got := connect(t, conn, "", "")
	meta, _ := got["metadata"].(map[string]any)
	if meta["userId"] != "user-1" {
		t.Fatalf("userId = %v, want user-1", meta["userId"])
	}
}

func TestResumeAfterTransportDrop(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	first := g.dial(t, nil)
	connected := connect(t, first, "user-1", "")
	sessionID, _ := connected["sessionId"].(string)
	_ = first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		second := g.dial(t, nil)
		send(t, second, map[string]any{"type": "connect", "userId": "user-1", "sessionId": sessionID})
		var msg map[string]any
		_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := second.ReadJSON(&msg); err != nil {
			t.Fatalf("read error = %v", err)
		}
		if msg["type"] == "connected" {
			meta, _ := msg["metadata"].(map[string]any)
			if msg["sessionId"] != sessionID || meta["resumed"] != true {
				t.Fatalf("connected = %+v, want resumed %s", msg, sessionID)
			}
			break
		}
		// The old transport may not have been noticed yet.
		if time.Now().After(deadline) {
			t.Fatalf("resume never succeeded, last = %+v", msg)
		}
		_ = second.Close()
		time.Sleep(20 * time.Millisecond)
	}
	if g.opens.Load() != 1 {
		t.Fatalf("opens = %d, want 1", g.opens.Load())
	}
}

func TestAdminListAndEnd(t *testing.T) {
	g := newTestGateway(t, config.Config{AdminToken: "s3cret"}, nil)
	conn := g.dial(t, nil)
	connected := connect(t, conn, "user-1", "")
	sessionID, _ := connected["sessionId"].(string)

	res, err := http.Get(g.ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET /v1/sessions error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	do := func(method, path string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, g.ts.URL+path, nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s error = %v", method, path, err)
		}
		return res
	}

	listRes := do(http.MethodGet, "/v1/sessions")
	var list struct {
		Count    int              `json:"count"`
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.NewDecoder(listRes.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	listRes.Body.Close()
	if list.Count != 1 || list.Sessions[0]["session_id"] != sessionID {
		t.Fatalf("list = %+v, want one session %s", list, sessionID)
	}

	endRes := do(http.MethodPost, "/v1/sessions/"+sessionID+"/end")
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	ended := readType(t, conn, "session-ended")
	summary, _ := ended["summary"].(map[string]any)
	if summary["reason"] != "admin_end" {
		t.Fatalf("reason = %v, want admin_end", summary["reason"])
	}

	again := do(http.MethodPost, "/v1/sessions/"+sessionID+"/end")
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second end status = %d, want %d", again.StatusCode, http.StatusNotFound)
	}

	getRes := do(http.MethodGet, "/v1/sessions/"+sessionID)
	var view sessionView
	if err := json.NewDecoder(getRes.Body).Decode(&view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	getRes.Body.Close()
	if view.Live || view.Record == nil || view.Record.Status != "ended" {
		t.Fatalf("view = %+v, want stored ended record", view)
	}
}
