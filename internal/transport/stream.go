package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/errs"
	"github.com/parley-chat/parley/internal/util"
)

// StreamBinding dials the message relay over plain TCP. Wire format:
// newline-delimited JSON stanzas on a persistent stream, one Frame per line.
// The relay protocol is XMPP-shaped (stream of stanzas, request/response
// correlation by id) but keeps the same Frame surface as the websocket
// binding, so both feed the same Manager.
type StreamBinding struct {
	// Addr is the relay host:port.
	Addr string

	// DialTimeout bounds the TCP connect. Default util.DefaultConnectTimeout.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the auth stanza reply wait. Default 10s.
	HandshakeTimeout time.Duration
}

func (b *StreamBinding) Dial(ctx context.Context) (Conn, error) {
	timeout := b.DialTimeout
	if timeout == 0 {
		timeout = util.DefaultConnectTimeout
	}
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", b.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", b.Addr, err)
	}
	return newStreamConn(c), nil
}

func (b *StreamBinding) Authenticate(ctx context.Context, conn Conn, creds Credentials) error {
	f, err := NewFrame("auth", creds)
	if err != nil {
		return err
	}
	if err := conn.Send(f); err != nil {
		return fmt.Errorf("send auth stanza: %w", err)
	}

	timeout := b.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	sc := conn.(*streamConn)
	_ = sc.c.SetReadDeadline(time.Now().Add(timeout))
	defer sc.c.SetReadDeadline(time.Time{})

	reply, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("await auth stanza reply: %w", err)
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
		return fmt.Errorf("unexpected handshake stanza %q", reply.Event)
	}
}

type streamConn struct {
	c       net.Conn
	dec     *json.Decoder
	writeMu sync.Mutex
	enc     *json.Encoder
}

func newStreamConn(c net.Conn) *streamConn {
	return &streamConn{
		c:   c,
		dec: json.NewDecoder(bufio.NewReader(c)),
		enc: json.NewEncoder(c), // Encode appends the newline delimiter
	}
}

func (s *streamConn) Send(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(f)
}

func (s *streamConn) Receive() (*Frame, error) {
	var f Frame
	if err := s.dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *streamConn) Close() error { return s.c.Close() }
