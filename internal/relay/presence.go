package relay

import (
	"sync"
	"time"
)

// SeenPeer is one contact's presence as last reported over the relay.
type SeenPeer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status"` // "online" or "offline"
	LastSeen time.Time `json:"lastSeen"`
}

// PeerEvent is one presence change, fanned out to subscribers.
type PeerEvent struct {
	Type   string    `json:"type"` // "update" or "expire"
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

// PeerTable tracks which contacts are currently reachable. Entries expire
// when no heartbeat arrives within the TTL.
type PeerTable struct {
	ttl time.Duration

	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable(ttl time.Duration) *PeerTable {
	return &PeerTable{ttl: ttl, peers: map[string]SeenPeer{}}
}

// Upsert records a presence heartbeat.
func (t *PeerTable) Upsert(id, name, status string) {
	t.mu.Lock()
	peer := SeenPeer{ID: id, Name: name, Status: status, LastSeen: time.Now()}
	if name == "" {
		if existing, ok := t.peers[id]; ok {
			peer.Name = existing.Name
		}
	}
	t.peers[id] = peer
	t.notifyLocked(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
	t.mu.Unlock()
}

// Snapshot returns the current table, expired entries pruned.
func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.pruneExpired()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]SeenPeer, len(t.peers))
	for id, p := range t.peers {
		out[id] = p
	}
	return out
}

// Online reports whether id has a live presence entry.
func (t *PeerTable) Online(id string) bool {
	t.pruneExpired()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return ok && p.Status == "online"
}

// Clear drops everything; used on reconnect before the roster is re-fetched
// so stale presence never survives a transport outage.
func (t *PeerTable) Clear() {
	t.mu.Lock()
	t.peers = map[string]SeenPeer{}
	t.mu.Unlock()
}

func (t *PeerTable) pruneExpired() {
	if t.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-t.ttl)
	t.mu.Lock()
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notifyLocked(PeerEvent{Type: "expire", PeerID: id})
		}
	}
	t.mu.Unlock()
}

// Subscribe returns a channel of future presence events and a cancel func.
func (t *PeerTable) Subscribe() (chan PeerEvent, func()) {
	ch := make(chan PeerEvent, 16)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		for i, l := range t.listeners {
			if l == ch {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				close(ch)
				break
			}
		}
		t.mu.Unlock()
	}
}

func (t *PeerTable) notifyLocked(ev PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
