package rtc

import (
	"sync"
	"sync/atomic"
	"time"
)

// TrackStats is a snapshot of one remote track's RTP accounting.
type TrackStats struct {
	Packets     uint64
	Bytes       uint64
	LastArrival time.Time
}

// RemoteTrack is one inbound track with its running stats.
type RemoteTrack struct {
	ID   string
	Kind string // "audio" or "video"

	packets  atomic.Uint64
	bytes    atomic.Uint64
	lastUnix atomic.Int64 // unix nanos of last packet
}

func (t *RemoteTrack) record(n int) {
	t.packets.Add(1)
	t.bytes.Add(uint64(n))
	t.lastUnix.Store(time.Now().UnixNano())
}

// Stats returns a snapshot of this track's counters.
func (t *RemoteTrack) Stats() TrackStats {
	s := TrackStats{
		Packets: t.packets.Load(),
		Bytes:   t.bytes.Load(),
	}
	if ns := t.lastUnix.Load(); ns != 0 {
		s.LastArrival = time.Unix(0, ns)
	}
	return s
}

// RemoteStream collects the remote peer's tracks. Renegotiation (ICE restart,
// screen share reattach) can re-announce a track already known; tracks are
// deduplicated by ID and insertion order is preserved.
type RemoteStream struct {
	mu     sync.Mutex
	order  []string
	byID   map[string]*RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{byID: make(map[string]*RemoteTrack)}
}

// Add registers a track by ID. Returns the entry and whether it was new;
// a duplicate announcement returns the existing entry.
func (s *RemoteStream) Add(id, kind string) (*RemoteTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[id]; ok {
		return t, false
	}
	t := &RemoteTrack{ID: id, Kind: kind}
	s.byID[id] = t
	s.order = append(s.order, id)
	return t, true
}

// Tracks returns the known tracks in the order they first appeared.
func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RemoteTrack, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of distinct tracks seen.
func (s *RemoteStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
