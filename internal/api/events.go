package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/parley-chat/parley/internal/call"
)

// event is one SSE payload. Name becomes the SSE event field.
type event struct {
	Name string
	Data any
}

// eventFan remembers SSE subscribers so a single OnIncoming registration can
// reach every connected client.
type eventFan struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func newEventFan() *eventFan {
	return &eventFan{subs: make(map[chan event]struct{})}
}

func (f *eventFan) subscribe() (chan event, func()) {
	ch := make(chan event, 16)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *eventFan) publish(ev event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default: // slow client, drop rather than stall
		}
	}
}

// registerEvents serves GET /api/events: a single SSE stream carrying
// notices, presence changes, inbound messages, and ringing calls.
func registerEvents(mux *http.ServeMux, d Deps) {
	fan := newEventFan()

	if d.Calls != nil {
		d.Calls.OnIncoming(func(s *call.Session) {
			fan.publish(event{Name: "incoming-call", Data: s.Info()})
		})
	}

	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		callCh, cancelCalls := fan.subscribe()
		defer cancelCalls()

		var noticeCh chan event
		if d.Notices != nil {
			ch, cancel := d.Notices.Subscribe()
			defer cancel()
			noticeCh = pump(r, ch, "notice")
		}
		var peerCh, msgCh chan event
		if d.Relay != nil {
			pch, cancelPeers := d.Relay.Peers().Subscribe()
			defer cancelPeers()
			peerCh = pump(r, pch, "presence")

			mch, cancelMsgs := d.Relay.OnMessage()
			defer cancelMsgs()
			msgCh = pump(r, mch, "message")
		}

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-callCh:
				writeEvent(w, flusher, ev)
			case ev := <-noticeCh:
				writeEvent(w, flusher, ev)
			case ev := <-peerCh:
				writeEvent(w, flusher, ev)
			case ev := <-msgCh:
				writeEvent(w, flusher, ev)
			}
		}
	})
}

// pump adapts a typed subscription channel into the shared event shape. The
// goroutine exits when the request context ends.
func pump[T any](r *http.Request, src <-chan T, name string) chan event {
	out := make(chan event, 16)
	go func() {
		for {
			select {
			case <-r.Context().Done():
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- event{Name: name, Data: v}:
				case <-r.Context().Done():
					return
				}
			}
		}
	}()
	return out
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		log.Warnf("API: marshal %s event: %v", ev.Name, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	flusher.Flush()
}
