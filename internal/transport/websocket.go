package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/errs"
)

// WebsocketBinding dials a signaling server over a websocket. Frames are
// JSON text messages; the handshake is an auth frame answered with auth-ok
// or auth-error before any other traffic.
type WebsocketBinding struct {
	// URL of the signaling endpoint (ws:// or wss://).
	URL string

	// Dialer overrides websocket.DefaultDialer (tests, TLS config).
	Dialer *websocket.Dialer

	// Header is sent with the HTTP upgrade request.
	Header http.Header

	// HandshakeTimeout bounds the auth reply wait. Default 10s.
	HandshakeTimeout time.Duration
}

type authReply struct {
	Reason string `json:"reason,omitempty"`
}

func (b *WebsocketBinding) Dial(ctx context.Context) (Conn, error) {
	d := b.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	ws, resp, err := d.DialContext(ctx, b.URL, b.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %s: %w", b.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", b.URL, err)
	}
	return &wsConn{ws: ws}, nil
}

func (b *WebsocketBinding) Authenticate(ctx context.Context, conn Conn, creds Credentials) error {
	f, err := NewFrame("auth", creds)
	if err != nil {
		return err
	}
	if err := conn.Send(f); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	timeout := b.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	wc := conn.(*wsConn)
	_ = wc.ws.SetReadDeadline(time.Now().Add(timeout))
	defer wc.ws.SetReadDeadline(time.Time{})

	reply, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("await auth reply: %w", err)
	}
	switch reply.Event {
	case "auth-ok":
		return nil
	case "auth-error":
		var ar authReply
		_ = reply.DecodePayload(&ar)
		if ar.Reason == "" {
			ar.Reason = "credentials rejected"
		}
		return errs.New(errs.AuthenticationFailed, ar.Reason)
	default:
		return fmt.Errorf("unexpected handshake event %q", reply.Event)
	}
}

// wsConn wraps a websocket connection. gorilla allows at most one concurrent
// writer, so Send serializes.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Receive() (*Frame, error) {
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
