package app

import (
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/transport"
)

// signaler adapts the websocket transport manager to what the call manager
// needs: emit, connectivity, and a frame subscription translated into call
// signals.
type signaler struct {
	mgr *transport.Manager
}

func (s *signaler) Emit(event string, payload any) error {
	return s.mgr.Emit(event, payload)
}

func (s *signaler) Connected() bool { return s.mgr.IsConnected() }

// Subscribe forwards every frame on the signaling connection, synthetic
// transport events included, as call signals. The call manager ignores
// events it does not know.
func (s *signaler) Subscribe() (<-chan call.Signal, func()) {
	out := make(chan call.Signal, 32)
	cancel := s.mgr.OnAny(func(f *transport.Frame) {
		select {
		case out <- call.Signal{Event: f.Event, From: f.From, Payload: f.Payload}:
		default:
			// dispatch loop wedged; dropping beats blocking the reader
			log.Errorf("APP: signal buffer full, dropping %q from %s", f.Event, f.From)
		}
	})
	return out, cancel
}
