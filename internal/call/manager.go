package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/errs"
	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/notify"
	"github.com/parley-chat/parley/internal/rtc"
)

// Options wires a Manager to its collaborators.
type Options struct {
	Sig           Signaler
	Media         MediaController
	Auth          auth.Provider
	Notify        notify.Notifier
	NewNegotiator NegotiatorFactory

	// RingTimeout bounds how long an unanswered call keeps ringing on both
	// ends. Zero disables the timer.
	RingTimeout time.Duration

	// ICEServers feed the default negotiator factory.
	ICEServers []string

	// Log persists finished calls. Optional.
	Log CallLogger
}

// Manager owns the active call session and bridges signaling to it.
type Manager struct {
	opts Options

	mu     sync.Mutex
	active *Session

	incomingMu sync.RWMutex
	incoming   []func(*Session)

	done chan struct{}
}

// New creates a Manager and starts routing signaling immediately.
func New(opts Options) *Manager {
	if opts.NewNegotiator == nil {
		servers := opts.ICEServers
		opts.NewNegotiator = func(cfg NegotiatorConfig) (Negotiator, error) {
			return rtc.NewPeerLink(rtc.Config{
				PeerID:               cfg.PeerID,
				ICEServers:           servers,
				Local:                cfg.Local,
				OnLocalCandidate:     cfg.OnLocalCandidate,
				OnConnected:          cfg.OnConnected,
				OnRenegotiationOffer: cfg.OnRenegotiationOffer,
				OnFailed:             cfg.OnFailed,
			})
		}
	}
	m := &Manager{opts: opts, done: make(chan struct{})}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback fired for each new ringing session
// (direct offer or group invite). Handlers run on the dispatch goroutine.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Active returns the live session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.active() {
		return m.active
	}
	return nil
}

// Snapshot returns the current session's Info. A finished session stays
// visible (status ended/failed with its reason) until Reset or the next call.
func (m *Manager) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return m.active.Info()
	}
	return Info{Status: StatusIdle}
}

// Reset drops a finished session so the snapshot reports idle again.
// Rejected while a call is live.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.active() {
		return errs.Newf(errs.CallInProgress, "call %s is active", m.active.id)
	}
	m.active = nil
	return nil
}

func (m *Manager) self() (*auth.User, error) {
	user, err := m.opts.Auth.CurrentUser()
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (m *Manager) notify(msg string, kind notify.Kind) {
	if m.opts.Notify != nil {
		m.opts.Notify.Notify(msg, kind)
	}
}

// adopt installs sess as the active session, failing with CallInProgress if
// another live session exists.
func (m *Manager) adopt(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.active() {
		return errs.Newf(errs.CallInProgress, "call %s is active", m.active.id)
	}
	m.active = sess
	return nil
}

// Start begins an outgoing direct call to targetID.
func (m *Manager) Start(ctx context.Context, targetID string, kind media.Kind) (*Session, error) {
	user, err := m.self()
	if err != nil {
		return nil, err
	}

	sess := newSession(uuid.NewString(), Outgoing, kind, false)
	sess.addParticipant(targetID, "")
	if err := m.adopt(sess); err != nil {
		m.notify("A call is already in progress", notify.KindWarning)
		return nil, err
	}
	sess.setStatus(StatusConnecting)
	log.Infof("CALL [%s]: starting %s call → %s", sess.id, kind, targetID)

	stream, err := m.opts.Media.Acquire(sess.ctx, kind)
	if err != nil {
		m.fail(sess, err)
		return nil, err
	}
	if sess.ctx.Err() != nil {
		// User hung up while media was being acquired; the stream belongs
		// to no session and must not linger.
		m.opts.Media.Release()
		return nil, errs.New(errs.CallInProgress, "call ended during media acquisition")
	}

	n, err := m.newLink(sess, targetID, stream)
	if err != nil {
		m.fail(sess, errs.Wrap(errs.NegotiationFailed, "create peer link", err))
		return nil, err
	}
	sess.setLink(targetID, n)

	offer, err := n.CreateOffer()
	if err != nil {
		m.fail(sess, errs.Wrap(errs.NegotiationFailed, "create offer", err))
		return nil, err
	}
	if err := m.opts.Sig.Emit(EventOffer, OfferPayload{
		CallID:   sess.id,
		TargetID: targetID,
		CallerID: user.ID,
		CallType: string(kind),
		Offer:    offer,
	}); err != nil {
		m.fail(sess, err)
		return nil, err
	}
	n.MarkSignalled()

	sess.startRingTimer(m.opts.RingTimeout, func() { m.ringTimeout(sess) })
	m.notify(fmt.Sprintf("Calling %s…", targetID), notify.KindInfo)
	return sess, nil
}

// Answer accepts the ringing session.
func (m *Manager) Answer(ctx context.Context) error {
	user, err := m.self()
	if err != nil {
		return err
	}
	sess := m.Active()
	if sess == nil || sess.Status() != StatusRinging {
		return errs.New(errs.CallInProgress, "no ringing call to answer")
	}
	if sess.isGroup {
		return m.answerGroup(ctx, user, sess)
	}

	stream, err := m.opts.Media.Acquire(sess.ctx, sess.kind)
	if err != nil {
		m.emitEndBestEffort(sess)
		m.fail(sess, err)
		return err
	}
	if sess.ctx.Err() != nil {
		m.opts.Media.Release()
		return errs.New(errs.CallInProgress, "call ended during media acquisition")
	}

	peerID := sess.remoteID()
	n, err := m.newLink(sess, peerID, stream)
	if err != nil {
		m.fail(sess, errs.Wrap(errs.NegotiationFailed, "create peer link", err))
		return err
	}
	sess.setLink(peerID, n)

	sess.mu.Lock()
	offer := sess.pendingOffer
	sess.mu.Unlock()

	answer, err := n.CreateAnswer(offer)
	if err != nil {
		m.emitEndBestEffort(sess)
		m.fail(sess, errs.Wrap(errs.NegotiationFailed, "create answer", err))
		return err
	}
	if err := m.opts.Sig.Emit(EventAnswer, AnswerPayload{
		CallID:   sess.id,
		TargetID: peerID,
		Answer:   answer,
		SenderID: user.ID,
	}); err != nil {
		m.fail(sess, err)
		return err
	}
	n.MarkSignalled()

	sess.stopRingTimer()
	sess.setStatus(StatusConnected)
	m.notify("Call answered", notify.KindSuccess)
	return nil
}

// Reject declines the ringing session.
func (m *Manager) Reject() error {
	sess := m.Active()
	if sess == nil || sess.Status() != StatusRinging {
		return errs.New(errs.CallInProgress, "no ringing call to reject")
	}
	m.emitEndBestEffort(sess)
	m.finish(sess, StatusEnded, "Call rejected")
	return nil
}

// End hangs up the active session. Failure to notify the peer is non-fatal
// to local teardown.
func (m *Manager) End() error {
	sess := m.Active()
	if sess == nil {
		return errs.New(errs.CallInProgress, "no active call to end")
	}
	m.emitEndBestEffort(sess)
	m.finish(sess, StatusEnded, "Call ended")
	return nil
}

// ToggleMute flips the microphone; returns the new muted state.
func (m *Manager) ToggleMute() bool { return m.opts.Media.ToggleMute() }

// ToggleVideo flips the camera; returns the new disabled state.
func (m *Manager) ToggleVideo() bool { return m.opts.Media.ToggleVideo() }

// ShareScreen swaps the outgoing video for screen capture.
func (m *Manager) ShareScreen(ctx context.Context) error {
	return m.opts.Media.ShareScreen(ctx, func() {
		m.notify("Screen sharing stopped", notify.KindInfo)
	})
}

// StopSharing restores the camera.
func (m *Manager) StopSharing() { m.opts.Media.StopSharing() }

// Close shuts the manager down and ends any active call.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	if sess := m.Active(); sess != nil {
		m.emitEndBestEffort(sess)
		m.finish(sess, StatusEnded, "")
	}
}

// emitEndBestEffort sends the hangup signal if the transport is up.
func (m *Manager) emitEndBestEffort(sess *Session) {
	if !m.opts.Sig.Connected() {
		log.Warnf("CALL [%s]: transport down, peer not notified of hangup", sess.id)
		return
	}
	user, err := m.self()
	if err != nil {
		return
	}
	if sess.isGroup {
		_ = m.opts.Sig.Emit(EventEndRoom, RoomEndPayload{RoomID: sess.roomID, UserID: user.ID})
		return
	}
	_ = m.opts.Sig.Emit(EventEnd, EndPayload{CallID: sess.id, TargetID: sess.remoteID()})
}

// finish tears the session down and records it. Idempotent.
func (m *Manager) finish(sess *Session, final Status, note string) {
	if !sess.active() {
		return
	}
	sess.stopRingTimer()
	sess.cancel()
	sess.closeLinks()
	m.opts.Media.Release()
	sess.setStatus(final)

	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()

	m.record(sess, final)
	if note != "" {
		m.notify(note, notify.KindInfo)
	}
}

// fail marks the session failed with its reason, then completes teardown.
// The session's final status is failed; the manager slot is freed so the
// next call starts from idle.
func (m *Manager) fail(sess *Session, err error) {
	if !sess.active() {
		return
	}
	log.Errorf("CALL [%s]: failed: %v", sess.id, err)
	sess.setFailure(err)
	sess.stopRingTimer()
	sess.cancel()
	sess.closeLinks()
	m.opts.Media.Release()
	sess.setStatus(StatusFailed)

	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()

	m.record(sess, StatusFailed)
	m.notify(fmt.Sprintf("Call failed: %v", err), notify.KindError)
}

func (m *Manager) record(sess *Session, final Status) {
	if m.opts.Log == nil {
		return
	}
	info := sess.Info()
	entry := LogEntry{
		CallID:    sess.id,
		PeerID:    sess.remoteID(),
		Direction: info.Direction,
		MediaKind: sess.kind,
		IsGroup:   sess.isGroup,
		StartedAt: info.StartedAt,
		EndedAt:   info.EndedAt,
		Status:    final,
	}
	if err := m.opts.Log.RecordCall(entry); err != nil {
		log.Warnf("CALL [%s]: record call log: %v", sess.id, err)
	}
}

// ringTimeout fires when a call stays unanswered past the configured limit.
func (m *Manager) ringTimeout(sess *Session) {
	switch sess.Status() {
	case StatusConnecting:
		log.Warnf("CALL [%s]: no answer within ring timeout", sess.id)
		m.emitEndBestEffort(sess)
		m.fail(sess, errs.New(errs.NegotiationFailed, "no answer"))
	case StatusRinging:
		sess.mu.Lock()
		sess.direction = Missed
		sess.mu.Unlock()
		m.finish(sess, StatusEnded, "Missed call")
	}
}

// newLink builds a negotiator for one remote peer, wiring its callbacks back
// into signaling and session state. Callbacks only translate events into
// state-machine calls.
func (m *Manager) newLink(sess *Session, peerID string, stream *media.Stream) (Negotiator, error) {
	user, err := m.self()
	if err != nil {
		return nil, err
	}
	selfID := user.ID

	return m.opts.NewNegotiator(NegotiatorConfig{
		PeerID: peerID,
		Local:  stream,
		OnLocalCandidate: func(c rtc.Candidate) {
			var emitErr error
			if sess.isGroup {
				emitErr = m.opts.Sig.Emit(EventRoomCandidate, RoomCandidatePayload{
					RoomID: sess.roomID, UserID: selfID, TargetID: peerID, Candidate: c,
				})
			} else {
				emitErr = m.opts.Sig.Emit(EventCandidate, CandidatePayload{
					CallID: sess.id, TargetID: peerID, Candidate: c, SenderID: selfID,
				})
			}
			if emitErr != nil {
				// Transport is down; the call itself continues peer-to-peer
				// and fresh candidates flow again once it reconnects.
				log.Warnf("CALL [%s]: candidate for %s not relayed: %v", sess.id, peerID, emitErr)
			}
		},
		OnConnected: func() {
			sess.setPeerStatus(peerID, PeerConnected)
			log.Infof("CALL [%s]: media link to %s up", sess.id, peerID)
		},
		OnRenegotiationOffer: func(sdp string) {
			if sess.isGroup {
				_ = m.opts.Sig.Emit(EventParticipantReady, ParticipantReadyPayload{
					RoomID: sess.roomID, UserID: selfID, TargetID: peerID, Offer: sdp,
				})
				return
			}
			_ = m.opts.Sig.Emit(EventOffer, OfferPayload{
				CallID: sess.id, TargetID: peerID, CallerID: selfID,
				CallType: string(sess.kind), Offer: sdp,
			})
		},
		OnFailed: func(err error) {
			if sess.isGroup {
				// One participant's link dying does not end the room.
				log.Warnf("CALL [%s]: link to %s failed: %v", sess.id, peerID, err)
				sess.dropLink(peerID)
				return
			}
			m.fail(sess, err)
		},
	})
}

// dispatchLoop routes inbound signaling to the session handlers.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.opts.Sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(sig)
		}
	}
}

func (m *Manager) dispatch(sig Signal) {
	switch sig.Event {
	case EventOffer:
		m.handleOffer(sig)
	case EventAnswer:
		m.handleAnswer(sig)
	case EventCandidate:
		m.handleCandidate(sig)
	case EventEnd:
		m.handleEnd(sig)
	case EventJoinRoom:
		m.handleJoinRoom(sig)
	case EventRoomInvite:
		m.handleRoomInvite(sig)
	case EventParticipantReady:
		m.handleParticipantReady(sig)
	case EventRoomAnswer:
		m.handleRoomAnswer(sig)
	case EventRoomCandidate:
		m.handleRoomCandidate(sig)
	case EventEndRoom:
		m.handleEndRoom(sig)
	}
}

func (m *Manager) handleOffer(sig Signal) {
	var p OfferPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		log.Warnf("CALL: malformed offer: %v", err)
		return
	}

	active := m.Active()

	// Renegotiation of the active call (ICE restart from the other side).
	if active != nil && active.id == p.CallID {
		n := active.soleLink()
		if n == nil {
			return
		}
		answer, err := n.CreateAnswer(p.Offer)
		if err != nil {
			m.fail(active, errs.Wrap(errs.NegotiationFailed, "renegotiation answer", err))
			return
		}
		user, uerr := m.self()
		if uerr != nil {
			return
		}
		_ = m.opts.Sig.Emit(EventAnswer, AnswerPayload{
			CallID: active.id, TargetID: p.CallerID, Answer: answer, SenderID: user.ID,
		})
		return
	}

	// Busy: decline without touching the existing call.
	if active != nil {
		log.Infof("CALL: busy; declining offer %s from %s", p.CallID, p.CallerID)
		_ = m.opts.Sig.Emit(EventEnd, EndPayload{CallID: p.CallID, TargetID: p.CallerID})
		return
	}

	kind := media.Voice
	if p.CallType == string(media.Video) {
		kind = media.Video
	}
	sess := newSession(p.CallID, Incoming, kind, false)
	sess.addParticipant(p.CallerID, "")
	sess.mu.Lock()
	sess.pendingOffer = p.Offer
	sess.mu.Unlock()
	if err := m.adopt(sess); err != nil {
		_ = m.opts.Sig.Emit(EventEnd, EndPayload{CallID: p.CallID, TargetID: p.CallerID})
		return
	}
	sess.setStatus(StatusRinging)
	sess.startRingTimer(m.opts.RingTimeout, func() { m.ringTimeout(sess) })
	m.notify(fmt.Sprintf("Incoming %s call from %s", kind, p.CallerID), notify.KindInfo)
	m.fireIncoming(sess)
}

func (m *Manager) handleAnswer(sig Signal) {
	var p AnswerPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.Active()
	if sess == nil || sess.id != p.CallID {
		log.Debugf("CALL: answer for unknown call %s ignored", p.CallID)
		return
	}
	if sess.Status() != StatusConnecting {
		return
	}
	n := sess.soleLink()
	if n == nil {
		return
	}
	if err := n.AcceptAnswer(p.Answer); err != nil {
		m.fail(sess, errs.Wrap(errs.NegotiationFailed, "apply answer", err))
		return
	}
	sess.stopRingTimer()
	sess.setStatus(StatusConnected)
	m.notify("Call connected", notify.KindSuccess)
}

func (m *Manager) handleCandidate(sig Signal) {
	var p CandidatePayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.Active()
	if sess == nil || sess.id != p.CallID {
		return
	}
	n := sess.soleLink()
	if n == nil {
		return
	}
	if err := n.AddRemoteCandidate(p.Candidate); err != nil {
		log.Warnf("CALL [%s]: remote candidate rejected: %v", sess.id, err)
	}
}

func (m *Manager) handleEnd(sig Signal) {
	var p EndPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.Active()
	if sess == nil || sess.id != p.CallID {
		return
	}
	if sess.Direction() == Incoming && sess.Status() == StatusRinging {
		sess.mu.Lock()
		sess.direction = Missed
		sess.mu.Unlock()
		m.finish(sess, StatusEnded, "Missed call")
		return
	}
	m.finish(sess, StatusEnded, "Call ended by peer")
}

func (m *Manager) fireIncoming(sess *Session) {
	m.incomingMu.RLock()
	handlers := make([]func(*Session), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(sess)
	}
}
