// Package relay carries chat delivery, presence and history queries over the
// same resilient transport the call signaling uses. It owns nothing about
// calls; it shares only the reconnect/backoff machinery underneath.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/transport"
)

var log = logging.Logger("relay")

// Wire events on the relay connection.
const (
	EventMessage        = "chat-message"
	EventPresence       = "presence"
	EventRoster         = "roster"
	EventRosterRequest  = "roster-request"
	EventHistoryRequest = "history-request"
	EventHistoryResult  = "history-result"
)

// Transport is the slice of the connection manager the relay needs.
type Transport interface {
	Emit(event string, payload any) error
	On(event string, fn transport.Handler) (cancel func())
	IsConnected() bool
}

// Message is one chat message as stored and displayed.
type Message struct {
	ID       string    `json:"id"`
	Peer     string    `json:"peer"` // conversation partner
	From     string    `json:"from"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
	Incoming bool      `json:"incoming"`
}

// MessagePayload is the wire form.
type MessagePayload struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
	TS   int64  `json:"ts"` // unix millis
}

// PresencePayload is one heartbeat.
type PresencePayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// RosterPayload is the server's reply to a roster request.
type RosterPayload struct {
	Peers []PresencePayload `json:"peers"`
}

// Store persists messages. The relay consults it to drop duplicates before
// merging history into the local record.
type Store interface {
	SaveMessage(m Message) error
	HasEquivalentMessage(peer, body string, sentAt time.Time) (bool, error)
	RecentMessages(peer string, limit int) ([]Message, error)
}

// Options wires a Relay.
type Options struct {
	Transport Transport
	Auth      auth.Provider
	Store     Store

	// PresenceTTL bounds how long a peer stays online without a heartbeat.
	PresenceTTL time.Duration

	// HeartbeatEvery is the interval between our own presence announcements.
	// Zero disables the heartbeat loop.
	HeartbeatEvery time.Duration

	// HistoryTimeout bounds one history query. Zero means 10s.
	HistoryTimeout time.Duration
}

// Relay is the chat/presence/history engine.
type Relay struct {
	opts  Options
	peers *PeerTable

	history *historyBook

	cancels []func()
	stop    chan struct{}

	msgListeners *listenerSet[Message]
}

// New creates a Relay and attaches its transport handlers immediately.
func New(opts Options) *Relay {
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 10 * time.Second
	}
	r := &Relay{
		opts:         opts,
		peers:        NewPeerTable(opts.PresenceTTL),
		history:      newHistoryBook(),
		stop:         make(chan struct{}),
		msgListeners: newListenerSet[Message](),
	}

	tr := opts.Transport
	r.cancels = append(r.cancels,
		tr.On(EventMessage, r.handleMessage),
		tr.On(EventPresence, r.handlePresence),
		tr.On(EventRoster, r.handleRoster),
		tr.On(EventHistoryResult, r.handleHistoryResult),
		tr.On(transport.EventConnected, r.handleConnected),
		tr.On(transport.EventDown, r.handleDown),
	)

	if opts.HeartbeatEvery > 0 {
		go r.heartbeatLoop()
	}
	return r
}

// Peers exposes the presence table.
func (r *Relay) Peers() *PeerTable { return r.peers }

// OnMessage subscribes to delivered messages (inbound and history merges).
func (r *Relay) OnMessage() (<-chan Message, func()) { return r.msgListeners.subscribe() }

// Send delivers a chat message and records it optimistically.
func (r *Relay) Send(to, body string) (*Message, error) {
	user, err := r.opts.Auth.CurrentUser()
	if err != nil {
		return nil, err
	}
	msg := Message{
		ID:     uuid.NewString(),
		Peer:   to,
		From:   user.ID,
		Body:   body,
		SentAt: time.Now(),
	}
	if err := r.opts.Transport.Emit(EventMessage, MessagePayload{
		ID: msg.ID, From: user.ID, To: to, Body: body, TS: msg.SentAt.UnixMilli(),
	}); err != nil {
		return nil, err
	}
	if r.opts.Store != nil {
		if serr := r.opts.Store.SaveMessage(msg); serr != nil {
			log.Warnf("RELAY: save sent message: %v", serr)
		}
	}
	return &msg, nil
}

// Conversation returns the stored tail of one conversation, newest last.
func (r *Relay) Conversation(peer string, limit int) ([]Message, error) {
	if r.opts.Store == nil {
		return nil, nil
	}
	return r.opts.Store.RecentMessages(peer, limit)
}

// Close detaches all handlers. The transport itself stays up; the call
// signaling may still be using it.
func (r *Relay) Close() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}
	for _, cancel := range r.cancels {
		cancel()
	}
	r.history.failAll()
}

func (r *Relay) handleMessage(f *transport.Frame) {
	var p MessagePayload
	if err := f.DecodePayload(&p); err != nil {
		log.Warnf("RELAY: malformed message: %v", err)
		return
	}
	msg := Message{
		ID:       p.ID,
		Peer:     p.From,
		From:     p.From,
		Body:     p.Body,
		SentAt:   time.UnixMilli(p.TS),
		Incoming: true,
	}
	if r.merge(msg) {
		r.msgListeners.publish(msg)
	}
}

// merge stores a message unless an equivalent one is already present.
// Returns whether the message was new.
func (r *Relay) merge(msg Message) bool {
	if r.opts.Store == nil {
		return true
	}
	dup, err := r.opts.Store.HasEquivalentMessage(msg.Peer, msg.Body, msg.SentAt)
	if err != nil {
		log.Warnf("RELAY: dedup check: %v", err)
	}
	if dup {
		log.Debugf("RELAY: duplicate message from %s dropped", msg.Peer)
		return false
	}
	if err := r.opts.Store.SaveMessage(msg); err != nil {
		log.Warnf("RELAY: save message: %v", err)
	}
	return true
}

func (r *Relay) handlePresence(f *transport.Frame) {
	var p PresencePayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	r.peers.Upsert(p.UserID, p.Name, p.Status)
}

func (r *Relay) handleRoster(f *transport.Frame) {
	var p RosterPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	for _, peer := range p.Peers {
		r.peers.Upsert(peer.UserID, peer.Name, peer.Status)
	}
	log.Infof("RELAY: roster synced, %d peers", len(p.Peers))
}

// handleConnected runs after every (re)connect: presence state from before
// the outage is discarded and re-requested rather than assumed current.
func (r *Relay) handleConnected(_ *transport.Frame) {
	r.peers.Clear()
	r.announce()
	if err := r.opts.Transport.Emit(EventRosterRequest, nil); err != nil {
		log.Warnf("RELAY: roster request: %v", err)
	}
}

func (r *Relay) handleDown(_ *transport.Frame) {
	log.Warnf("RELAY: transport down; presence is stale until reconnect")
}

func (r *Relay) announce() {
	user, err := r.opts.Auth.CurrentUser()
	if err != nil {
		return
	}
	if err := r.opts.Transport.Emit(EventPresence, PresencePayload{
		UserID: user.ID, Name: user.Name, Status: "online",
	}); err != nil {
		log.Debugf("RELAY: presence announce: %v", err)
	}
}

func (r *Relay) heartbeatLoop() {
	ticker := time.NewTicker(r.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if r.opts.Transport.IsConnected() {
				r.announce()
			}
		}
	}
}

// listenerSet fans values out to subscriber channels, dropping on slow ones.
type listenerSet[T any] struct {
	mu  sync.Mutex
	set map[chan T]struct{}
}

func newListenerSet[T any]() *listenerSet[T] {
	return &listenerSet[T]{set: make(map[chan T]struct{})}
}

func (s *listenerSet[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, 16)
	s.mu.Lock()
	s.set[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.set[ch]; ok {
			delete(s.set, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *listenerSet[T]) publish(v T) {
	s.mu.Lock()
	for ch := range s.set {
		select {
		case ch <- v:
		default:
		}
	}
	s.mu.Unlock()
}
