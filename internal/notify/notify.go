// Package notify is the user-facing feedback sink. Every call-state
// transition with a user-relevant outcome lands here; the API layer serves
// the retained notices to whatever front end is attached.
package notify

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/util"
)

var log = logging.Logger("notify")

// Kind is the severity of a notice.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Notice is one user-visible message.
type Notice struct {
	Message string    `json:"message"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
}

// Notifier receives fire-and-forget user feedback.
type Notifier interface {
	Notify(message string, kind Kind)
}

// Hub logs each notice, retains the most recent ones, and fans them out to
// subscribers (the API's SSE feed).
type Hub struct {
	recent *util.RingBuffer[Notice]

	mu        sync.Mutex
	listeners map[chan Notice]struct{}
}

// NewHub creates a Hub retaining the last keep notices.
func NewHub(keep int) *Hub {
	return &Hub{
		recent:    util.NewRingBuffer[Notice](keep),
		listeners: make(map[chan Notice]struct{}),
	}
}

func (h *Hub) Notify(message string, kind Kind) {
	n := Notice{Message: message, Kind: kind, At: time.Now()}
	switch kind {
	case KindError:
		log.Errorf("NOTIFY: %s", message)
	case KindWarning:
		log.Warnf("NOTIFY: %s", message)
	default:
		log.Infof("NOTIFY: %s", message)
	}
	h.recent.Push(n)

	h.mu.Lock()
	for ch := range h.listeners {
		select {
		case ch <- n:
		default: // slow subscriber, drop rather than block
		}
	}
	h.mu.Unlock()
}

// Recent returns the retained notices, oldest first.
func (h *Hub) Recent() []Notice { return h.recent.Snapshot() }

// Subscribe returns a channel of future notices and a cancel func.
func (h *Hub) Subscribe() (ch chan Notice, cancel func()) {
	ch = make(chan Notice, 16)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
