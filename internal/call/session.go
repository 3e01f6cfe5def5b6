package call

import (
	"context"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/media"
)

// Session is one call. At most one non-ended session exists at a time; the
// Manager enforces that. The session context is cancelled at teardown so
// async work started for this call (media acquisition in particular) can
// tell it is now orphaned.
type Session struct {
	id        string
	direction Direction
	kind      media.Kind
	isGroup   bool
	roomID    string // group only

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	participants []*Participant
	links        map[string]Negotiator // keyed by remote peer ID
	pendingOffer string                // incoming direct call: offer awaiting Answer
	startedAt    time.Time
	endedAt      time.Time
	failReason   error
	ringTimer    *time.Timer
}

func newSession(id string, dir Direction, kind media.Kind, group bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		direction: dir,
		kind:      kind,
		isGroup:   group,
		ctx:       ctx,
		cancel:    cancel,
		links:     make(map[string]Negotiator),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Direction() Direction { s.mu.Lock(); defer s.mu.Unlock(); return s.direction }
func (s *Session) IsGroup() bool        { return s.isGroup }

// Context is cancelled when the session ends; async work for this call must
// check it before touching shared state.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// active reports whether the session is still live (not ended/failed).
func (s *Session) active() bool {
	switch s.Status() {
	case StatusEnded, StatusFailed:
		return false
	}
	return true
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	if st == StatusConnected && s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	if st == StatusEnded || st == StatusFailed {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()
	log.Infof("CALL [%s]: status → %s", s.id, st)
}

func (s *Session) setFailure(err error) {
	s.mu.Lock()
	if s.failReason == nil {
		s.failReason = err
	}
	s.mu.Unlock()
}

// addParticipant appends a participant, deduplicated by ID.
func (s *Session) addParticipant(id, name string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.ID == id {
			return p
		}
	}
	p := &Participant{ID: id, DisplayName: name, ConnectionStatus: PeerConnecting, VideoEnabled: true}
	s.participants = append(s.participants, p)
	return p
}

func (s *Session) setPeerStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.ID == id {
			p.ConnectionStatus = status
			return
		}
	}
}

// remoteID returns the single remote participant of a direct call.
func (s *Session) remoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.participants) == 0 {
		return ""
	}
	return s.participants[0].ID
}

func (s *Session) setLink(peerID string, n Negotiator) {
	s.mu.Lock()
	s.links[peerID] = n
	s.mu.Unlock()
}

func (s *Session) link(peerID string) Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[peerID]
}

// soleLink returns the direct call's one negotiator, if created yet.
func (s *Session) soleLink() Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.links {
		return n
	}
	return nil
}

// dropLink closes and removes one peer's negotiator. Group participant
// removal is exactly this: the other links are untouched.
func (s *Session) dropLink(peerID string) {
	s.mu.Lock()
	n := s.links[peerID]
	delete(s.links, peerID)
	s.mu.Unlock()
	if n != nil {
		_ = n.Close()
	}
	s.setPeerStatus(peerID, PeerDisconnected)
}

func (s *Session) closeLinks() {
	s.mu.Lock()
	links := s.links
	s.links = make(map[string]Negotiator)
	s.mu.Unlock()
	for _, n := range links {
		_ = n.Close()
	}
}

func (s *Session) startRingTimer(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.ringTimer = time.AfterFunc(d, fn)
	s.mu.Unlock()
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	t := s.ringTimer
	s.ringTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Info snapshots the session for the API layer.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]Participant, len(s.participants))
	for i, p := range s.participants {
		parts[i] = *p
	}
	info := Info{
		ID:           s.id,
		Direction:    s.direction,
		MediaKind:    s.kind,
		IsGroup:      s.isGroup,
		Status:       s.status,
		Participants: parts,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
	}
	if !s.startedAt.IsZero() && !s.endedAt.IsZero() {
		info.DurationSeconds = int(s.endedAt.Sub(s.startedAt) / time.Second)
	}
	if s.failReason != nil {
		info.FailReason = s.failReason.Error()
	}
	return info
}
