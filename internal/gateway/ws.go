package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/projectsavahq/project-ava-sub000/internal/auth"
	"github.com/projectsavahq/project-ava-sub000/internal/protocol"
	"github.com/projectsavahq/project-ava-sub000/internal/router"
	"github.com/projectsavahq/project-ava-sub000/internal/session"
)

const (
	// Frames up to maxFrameBytes are parsed and validated. Larger frames are
	// drained and rejected without closing the transport, up to the
	// hardReadLimit abuse cap.
	maxFrameBytes = 4 << 20
	hardReadLimit = 64 << 20
	outboundQueue = 256
	writeWait     = 10 * time.Second
	pongWait      = 120 * time.Second
	pingInterval  = 30 * time.Second

	closeUnauthorized   = 4401
	closeConnectTimeout = 4408
	closeRebound        = 4409
)

var errTransportDone = errors.New("transport done")

// wsConn is the state of one client websocket. sessionID and identity are
// owned by the reader goroutine.
type wsConn struct {
	srv       *Server
	conn      *websocket.Conn
	bindingID string
	out       chan protocol.ServerMessage
	done      chan struct{}

	upgradeToken string
	preIdentity  *auth.Identity
	sessionID    string
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	c := &wsConn{
		srv:          s,
		bindingID:    uuid.NewString(),
		out:          make(chan protocol.ServerMessage, outboundQueue),
		done:         make(chan struct{}),
		upgradeToken: bearerToken(r),
	}
	if c.upgradeToken != "" && s.cfg.AuthMode != "none" {
		id, err := s.auth.Authenticate(r.Context(), auth.Credentials{Token: c.upgradeToken})
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		c.preIdentity = &id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	c.conn = conn

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	c.run(r.Context())
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (c *wsConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	spawn := func(fn func(context.Context) error) {
		g.Go(func() error {
			defer cancel()
			return fn(gctx)
		})
	}
	spawn(c.writeLoop)
	spawn(c.readLoop)
	spawn(c.pingLoop)
	g.Go(func() error {
		<-gctx.Done()
		close(c.done)
		_ = c.conn.Close()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errTransportDone) && !isClosed(err) {
		log.Printf("gateway: binding=%s session=%s closed: %v", c.bindingID, c.sessionID, err)
	}

	if c.sessionID != "" {
		c.srv.router.TransportLost(c.sessionID, c.bindingID)
	}
}

// writeLoop is the only writer of data frames. A closing message is followed
// by a close frame.
func (c *wsConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return err
			}
			c.srv.metrics.WSMessages.WithLabelValues("out", string(msg.Kind())).Inc()
			if protocol.Closes(msg) {
				c.closeWith(closeCode(msg), closeText(msg))
				return errTransportDone
			}
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context) error {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(hardReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.SessionConnectTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.sessionID != "" {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		msgType, data, oversized, err := c.readFrame()
		if err != nil {
			if c.sessionID == "" && isTimeout(err) {
				c.closeWith(closeConnectTimeout, "connect timeout")
				return errTransportDone
			}
			return err
		}
		if oversized {
			if c.sessionID == "" {
				c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeNoSession, Recoverable: true, Err: errors.New("connect first")})
				continue
			}
			c.sendFault(ctx, oversizedFault(msgType, data))
			continue
		}

		var msg protocol.ClientMessage
		switch msgType {
		case websocket.BinaryMessage:
			if c.sessionID == "" {
				c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeNoSession, Recoverable: true, Err: errors.New("connect first")})
				continue
			}
			audioMsg, err := protocol.AudioFromBinary(data, c.srv.limits)
			if err != nil {
				c.sendErr(ctx, err)
				continue
			}
			msg = audioMsg
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data, c.srv.limits)
			if err != nil {
				c.sendErr(ctx, err)
				continue
			}
			msg = parsed
		default:
			continue
		}

		if connect, ok := msg.(protocol.Connect); ok {
			if c.sessionID != "" {
				c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeInvalidMessage, Recoverable: true, Err: errors.New("already connected")})
				continue
			}
			c.connect(ctx, connect)
			continue
		}
		if c.sessionID == "" {
			c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeNoSession, Recoverable: true, Err: errors.New("connect first")})
			continue
		}

		switch err := c.srv.router.Dispatch(ctx, c.sessionID, c.bindingID, msg); {
		case err == nil:
		case errors.Is(err, router.ErrNoSession):
			c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeNoSession, Err: err})
		case errors.Is(err, router.ErrSessionEnded):
			c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeSessionEnded, Err: err})
		default:
			return err
		}
	}
}

// readFrame reads one frame, keeping at most maxFrameBytes. A larger frame is
// drained and reported as oversized with its leading bytes.
func (c *wsConn) readFrame() (int, []byte, bool, error) {
	msgType, r, err := c.conn.NextReader()
	if err != nil {
		return 0, nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, maxFrameBytes+1))
	if err != nil {
		return 0, nil, false, err
	}
	if len(data) <= maxFrameBytes {
		return msgType, data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 0, nil, false, err
	}
	return msgType, data, true, nil
}

// oversizedFault classifies a rejected frame. Binary frames are always audio;
// a text frame is audio unless its envelope names another type.
func oversizedFault(msgType int, head []byte) *protocol.Fault {
	err := fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	if msgType == websocket.TextMessage {
		if t := envelopeType(head); t != "" && t != string(protocol.TypeAudio) {
			return &protocol.Fault{Code: protocol.CodeInvalidMessage, Recoverable: true, Err: err}
		}
	}
	return &protocol.Fault{Code: protocol.CodeInvalidAudio, Recoverable: true, Err: err}
}

// envelopeType scans the top-level keys of a possibly truncated JSON object
// for "type". It gives up at the first value it cannot read whole.
func envelopeType(head []byte) string {
	dec := json.NewDecoder(bytes.NewReader(head))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return ""
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return ""
		}
		if key == "type" {
			var t string
			if json.Unmarshal(value, &t) != nil {
				return ""
			}
			return t
		}
	}
	return ""
}

// connect authenticates and binds the transport. Failures are reported to the
// client; an UNAUTHORIZED error also closes the transport.
func (c *wsConn) connect(ctx context.Context, msg protocol.Connect) {
	id, err := c.identify(ctx, msg)
	if err != nil {
		log.Printf("gateway: binding=%s connect rejected: %v", c.bindingID, err)
		c.srv.metrics.SessionEvents.WithLabelValues("auth_rejected").Inc()
		c.sendFault(ctx, &protocol.Fault{Code: protocol.CodeUnauthorized, Err: auth.ErrUnauthorized})
		return
	}

	var prefs session.Preferences
	if msg.Preferences != nil {
		prefs = session.Preferences{
			Voice:        msg.Preferences.Voice,
			Instructions: msg.Preferences.Instructions,
			Language:     msg.Preferences.Language,
		}
	}
	res, err := c.srv.router.Connect(ctx, router.ConnectRequest{
		UserID:      id.UserID,
		SessionID:   msg.SessionID,
		Preferences: prefs,
		Binding: router.Binding{
			ID:       c.bindingID,
			Outbound: c.out,
			Done:     c.done,
		},
	})
	if err != nil {
		// The client may retry connect on this transport.
		c.sendErr(ctx, err)
		return
	}
	c.sessionID = res.Session.ID
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

// identify prefers a token carried by the connect message and falls back to
// the identity established at upgrade time.
func (c *wsConn) identify(ctx context.Context, msg protocol.Connect) (auth.Identity, error) {
	token := strings.TrimSpace(msg.Token)
	if token == "" && c.preIdentity != nil {
		if msg.UserID != "" && msg.UserID != c.preIdentity.UserID {
			return auth.Identity{}, errors.New("user mismatch")
		}
		return *c.preIdentity, nil
	}
	if token == "" {
		token = c.upgradeToken
	}
	return c.srv.auth.Authenticate(ctx, auth.Credentials{Token: token, UserID: msg.UserID})
}

func (c *wsConn) sendErr(ctx context.Context, err error) {
	var fault *protocol.Fault
	if !errors.As(err, &fault) {
		fault = &protocol.Fault{Code: protocol.CodeInvalidMessage, Recoverable: true, Err: err}
	}
	c.sendFault(ctx, fault)
}

func (c *wsConn) sendFault(ctx context.Context, f *protocol.Fault) {
	select {
	case c.out <- f.Event(c.sessionID):
	case <-ctx.Done():
	}
}

func (c *wsConn) closeWith(code int, text string) {
	frame := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
}

func closeCode(msg protocol.ServerMessage) int {
	if m, ok := msg.(protocol.Error); ok {
		switch m.Code {
		case protocol.CodeUnauthorized:
			return closeUnauthorized
		case protocol.CodeSessionRebound:
			return closeRebound
		}
	}
	return websocket.CloseNormalClosure
}

func closeText(msg protocol.ServerMessage) string {
	if m, ok := msg.(protocol.Error); ok {
		return strings.ToLower(m.Code)
	}
	return "session ended"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsUnexpectedCloseError(err)
}
