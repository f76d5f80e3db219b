package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const writeTimeout = 10 * time.Second

var (
	ErrNotConnected = errors.New("upstream not connected")
	ErrHandshake    = errors.New("upstream handshake failed")
)

// Conn is one session's realtime connection. Writes are serialized; a single
// goroutine owns reading and reconnecting. Events are delivered in upstream
// order on a bounded channel that is closed when the connection is done.
type Conn struct {
	sessionID string
	cfg       Config
	dialer    Dialer

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu    sync.Mutex
	ws    *websocket.Conn
	state State

	pending atomic.Bool
	events  chan Event
}

// Open dials the upstream, sends the session configuration and waits for
// the acknowledgement. ctx bounds only the handshake.
func Open(ctx context.Context, sessionID string, cfg Config, dialer Dialer) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	cfg = cfg.withDefaults()
	life, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sessionID: sessionID,
		cfg:       cfg,
		dialer:    dialer,
		ctx:       life,
		cancel:    cancel,
		state:     StateConnecting,
		events:    make(chan Event, cfg.EventBuffer),
	}
	ws, err := c.handshake(ctx)
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		return nil, err
	}
	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()
	go c.run(ws)
	return c, nil
}

func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SendAudio forwards one PCM chunk immediately.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.writeJSON(ctx, map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText adds a user text item and requests a response.
func (c *Conn) SendText(ctx context.Context, text string) error {
	msg := userMessage{
		Type: "conversation.item.create",
		Item: messageItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return err
	}
	if err := c.writeJSON(ctx, map[string]string{"type": "response.create"}); err != nil {
		return err
	}
	c.expectResponse()
	return nil
}

// Flush commits buffered input audio. Without server turn detection it also
// requests the response.
func (c *Conn) Flush(ctx context.Context) error {
	if err := c.writeJSON(ctx, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	if c.cfg.TurnDetection.Disabled() {
		if err := c.writeJSON(ctx, map[string]string{"type": "response.create"}); err != nil {
			return err
		}
	}
	c.expectResponse()
	return nil
}

// Close tears the connection down and cancels any reconnect in progress.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if ws == nil || state != StateConnected {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(v); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

// expectResponse arms stall detection on the current socket.
func (c *Conn) expectResponse() {
	if c.cfg.StallTimeout <= 0 {
		return
	}
	c.pending.Store(true)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.StallTimeout))
	}
}

func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Conn) handshake(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial status %d: %v", ErrHandshake, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrHandshake, err)
	}

	deadline, _ := ctx.Deadline()
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(newSessionUpdate(c.cfg)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: send session config: %v", ErrHandshake, err)
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("%w: await ack: %v", ErrHandshake, err)
		}
		var w wireEvent
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		switch w.Type {
		case "session.created", "session.updated":
			_ = ws.SetReadDeadline(time.Time{})
			_ = ws.SetWriteDeadline(time.Time{})
			return ws, nil
		case "error":
			_ = ws.Close()
			msg := "upstream rejected session"
			if w.Error != nil && w.Error.Message != "" {
				msg = w.Error.Message
			}
			return nil, fmt.Errorf("%w: %s", ErrHandshake, msg)
		}
	}
}

// run owns the socket until the connection is closed or the reconnect
// budget is spent.
func (c *Conn) run(ws *websocket.Conn) {
	defer close(c.events)
	for {
		err := c.readLoop(ws)
		if c.ctx.Err() != nil {
			return
		}
		log.Printf("upstream: session=%s connection lost: %v", c.sessionID, err)
		_ = ws.Close()

		next, ok := c.reconnect()
		if !ok {
			c.mu.Lock()
			c.ws = nil
			c.state = StateDisconnected
			c.mu.Unlock()
			if c.ctx.Err() == nil {
				c.emit(Event{Kind: EventClosed, Message: "upstream reconnect attempts exhausted"})
			}
			return
		}
		ws = next
	}
}

func (c *Conn) reconnect() (*websocket.Conn, bool) {
	c.mu.Lock()
	c.ws = nil
	c.state = StateError
	c.mu.Unlock()
	c.pending.Store(false)

	for attempt := 1; ; attempt++ {
		delay, ok := c.cfg.Retry.Next(attempt)
		if !ok {
			return nil, false
		}
		c.emit(Event{Kind: EventReconnecting, Attempt: attempt})
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		c.setState(StateConnecting)
		ws, err := c.handshake(c.ctx)
		if err != nil {
			log.Printf("upstream: session=%s reconnect attempt=%d failed: %v", c.sessionID, attempt, err)
			c.setState(StateError)
			continue
		}
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			_ = ws.Close()
			return nil, false
		}
		c.ws = ws
		c.state = StateConnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventReconnected, Attempt: attempt})
		return ws, true
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if c.pending.Load() && c.cfg.StallTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.cfg.StallTimeout))
		}
		ev, ok, err := decodeEvent(raw)
		if err != nil {
			log.Printf("upstream: session=%s dropping malformed event: %v", c.sessionID, err)
			continue
		}
		if !ok {
			continue
		}
		switch ev.Kind {
		case EventSpeechStopped:
			c.expectResponse()
		case EventResponseDone:
			c.pending.Store(false)
			_ = ws.SetReadDeadline(time.Time{})
			// A response requested while the deadline was being cleared
			// must keep its watchdog.
			if c.pending.Load() {
				_ = ws.SetReadDeadline(time.Now().Add(c.cfg.StallTimeout))
			}
		}
		if !c.emit(ev) {
			return context.Canceled
		}
	}
}

// emit blocks while the consumer is behind so no event is reordered or lost.
func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
