// Package transport owns one bidirectional realtime connection to a server.
// It handles connect/auth, automatic reconnection with exponential backoff,
// and event dispatch to subscribers. The wire-level details live in a
// Binding; the same manager drives both the websocket call-signaling
// connection and the stream-framed message relay.
package transport

import (
	"context"
	"encoding/json"
)

// Frame is one event on the wire, in either direction.
type Frame struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// NewFrame builds a frame with the payload marshaled to JSON.
func NewFrame(event string, payload any) (*Frame, error) {
	f := &Frame{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = b
	}
	return f, nil
}

// Credentials authenticate a connection during Dial.
type Credentials struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Conn is one established, authenticated connection.
type Conn interface {
	Send(f *Frame) error
	Receive() (*Frame, error)
	Close() error
}

// Binding dials and authenticates a connection. Authenticate must return an
// error of kind errs.AuthenticationFailed when the server rejects the
// credentials so the manager can distinguish it from transient failure.
type Binding interface {
	Dial(ctx context.Context) (Conn, error)
	Authenticate(ctx context.Context, conn Conn, creds Credentials) error
}

// Status of the managed connection.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusFailed         Status = "failed"
)

// Synthetic events dispatched by the manager itself, alongside server events.
const (
	// EventConnected fires after every successful (re)connect. Subscribers
	// that need to resynchronize server-side state hook this.
	EventConnected = "transport-connected"

	// EventDown fires when the connection drops and reconnection begins.
	EventDown = "transport-down"

	// EventExhausted fires once backoff attempts are used up; no further
	// automatic attempts happen until a manual Connect.
	EventExhausted = "transport-reconnect-exhausted"

	// EventAuthFailed fires when a reconnect is refused by the server for
	// bad credentials. Not retried.
	EventAuthFailed = "transport-auth-failed"
)

// ExhaustedPayload rides on EventExhausted so subscribers can classify the
// terminal failure without matching on the event name.
type ExhaustedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
