package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/errs"
	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/notify"
)

// Group calls run the same state machine as direct calls, with one
// independent negotiator per participant. Mesh wiring: whoever is already in
// the room sends a participant-ready offer to each newcomer announced by
// join-room; the newcomer answers each offer. Removing a participant closes
// that one link and leaves the others untouched.

// StartGroup creates a room and invites targetIDs.
func (m *Manager) StartGroup(ctx context.Context, targetIDs []string, kind media.Kind) (*Session, error) {
	user, err := m.self()
	if err != nil {
		return nil, err
	}
	if len(targetIDs) == 0 {
		return nil, errs.New(errs.CallInProgress, "group call needs at least one invitee")
	}

	sess := newSession(uuid.NewString(), Outgoing, kind, true)
	sess.roomID = sess.id
	if err := m.adopt(sess); err != nil {
		m.notify("A call is already in progress", notify.KindWarning)
		return nil, err
	}
	sess.setStatus(StatusConnecting)
	log.Infof("CALL [%s]: starting group %s call, %d invitees", sess.id, kind, len(targetIDs))

	if _, err := m.opts.Media.Acquire(sess.ctx, kind); err != nil {
		m.fail(sess, err)
		return nil, err
	}
	if sess.ctx.Err() != nil {
		m.opts.Media.Release()
		return nil, errs.New(errs.CallInProgress, "call ended during media acquisition")
	}

	if err := m.opts.Sig.Emit(EventJoinRoom, JoinRoomPayload{
		RoomID: sess.roomID, UserID: user.ID, UserName: user.Name,
	}); err != nil {
		m.fail(sess, err)
		return nil, err
	}
	for _, target := range targetIDs {
		_ = m.opts.Sig.Emit(EventRoomInvite, RoomInvitePayload{
			RoomID: sess.roomID, FromID: user.ID, FromName: user.Name,
			ToID: target, CallType: string(kind),
		})
	}

	sess.startRingTimer(m.opts.RingTimeout, func() { m.ringTimeout(sess) })
	m.notify(fmt.Sprintf("Group call started, inviting %d people", len(targetIDs)), notify.KindInfo)
	return sess, nil
}

// answerGroup accepts a ringing room invite: acquire media and announce
// ourselves; the room's participants respond with offers.
func (m *Manager) answerGroup(ctx context.Context, user *auth.User, sess *Session) error {
	if _, err := m.opts.Media.Acquire(sess.ctx, sess.kind); err != nil {
		m.emitEndBestEffort(sess)
		m.fail(sess, err)
		return err
	}
	if sess.ctx.Err() != nil {
		m.opts.Media.Release()
		return errs.New(errs.CallInProgress, "call ended during media acquisition")
	}

	if err := m.opts.Sig.Emit(EventJoinRoom, JoinRoomPayload{
		RoomID: sess.roomID, UserID: user.ID, UserName: user.Name,
	}); err != nil {
		m.fail(sess, err)
		return err
	}

	sess.setStatus(StatusConnecting)
	m.notify("Joining group call…", notify.KindInfo)
	return nil
}

func (m *Manager) handleRoomInvite(sig Signal) {
	var p RoomInvitePayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	if m.Active() != nil {
		log.Infof("CALL: busy; ignoring room invite %s from %s", p.RoomID, p.FromID)
		return
	}

	kind := media.Voice
	if p.CallType == string(media.Video) {
		kind = media.Video
	}
	sess := newSession(p.RoomID, Incoming, kind, true)
	sess.roomID = p.RoomID
	sess.addParticipant(p.FromID, p.FromName)
	if err := m.adopt(sess); err != nil {
		return
	}
	sess.setStatus(StatusRinging)
	sess.startRingTimer(m.opts.RingTimeout, func() { m.ringTimeout(sess) })
	m.notify(fmt.Sprintf("Group call invite from %s", p.FromID), notify.KindInfo)
	m.fireIncoming(sess)
}

// handleJoinRoom: a newcomer announced themselves; offer them a link.
func (m *Manager) handleJoinRoom(sig Signal) {
	var p JoinRoomPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.groupSession(p.RoomID)
	if sess == nil {
		return
	}
	user, err := m.self()
	if err != nil || p.UserID == user.ID {
		return
	}
	if sess.link(p.UserID) != nil {
		return // already linked
	}

	sess.addParticipant(p.UserID, p.UserName)
	n, err := m.newLink(sess, p.UserID, m.opts.Media.Current())
	if err != nil {
		log.Errorf("CALL [%s]: link for %s: %v", sess.id, p.UserID, err)
		return
	}
	sess.setLink(p.UserID, n)

	offer, err := n.CreateOffer()
	if err != nil {
		log.Errorf("CALL [%s]: offer for %s: %v", sess.id, p.UserID, err)
		sess.dropLink(p.UserID)
		return
	}
	if err := m.opts.Sig.Emit(EventParticipantReady, ParticipantReadyPayload{
		RoomID: sess.roomID, UserID: user.ID, TargetID: p.UserID, Offer: offer,
	}); err != nil {
		log.Warnf("CALL [%s]: participant-ready not sent: %v", sess.id, err)
		return
	}
	n.MarkSignalled()
}

// handleParticipantReady: an existing participant offered us a link.
func (m *Manager) handleParticipantReady(sig Signal) {
	var p ParticipantReadyPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.groupSession(p.RoomID)
	if sess == nil {
		return
	}
	user, err := m.self()
	if err != nil || p.TargetID != user.ID {
		return
	}

	sess.addParticipant(p.UserID, "")

	// Renegotiation reuses the existing link; first contact creates one.
	n := sess.link(p.UserID)
	fresh := n == nil
	if fresh {
		n, err = m.newLink(sess, p.UserID, m.opts.Media.Current())
		if err != nil {
			log.Errorf("CALL [%s]: link for %s: %v", sess.id, p.UserID, err)
			return
		}
		sess.setLink(p.UserID, n)
	}

	answer, err := n.CreateAnswer(p.Offer)
	if err != nil {
		log.Errorf("CALL [%s]: answer for %s: %v", sess.id, p.UserID, err)
		sess.dropLink(p.UserID)
		return
	}
	if err := m.opts.Sig.Emit(EventRoomAnswer, RoomAnswerPayload{
		RoomID: sess.roomID, UserID: user.ID, TargetID: p.UserID, Answer: answer,
	}); err != nil {
		log.Warnf("CALL [%s]: room answer not sent: %v", sess.id, err)
		return
	}
	if fresh {
		n.MarkSignalled()
	}

	if sess.Status() == StatusConnecting {
		sess.stopRingTimer()
		sess.setStatus(StatusConnected)
		m.notify("Joined group call", notify.KindSuccess)
	}
}

func (m *Manager) handleRoomAnswer(sig Signal) {
	var p RoomAnswerPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.groupSession(p.RoomID)
	if sess == nil {
		return
	}
	user, err := m.self()
	if err != nil || p.TargetID != user.ID {
		return
	}
	n := sess.link(p.UserID)
	if n == nil {
		return
	}
	if err := n.AcceptAnswer(p.Answer); err != nil {
		log.Warnf("CALL [%s]: answer from %s rejected: %v", sess.id, p.UserID, err)
		sess.dropLink(p.UserID)
		return
	}
	if sess.Status() == StatusConnecting {
		sess.stopRingTimer()
		sess.setStatus(StatusConnected)
		m.notify("Group call connected", notify.KindSuccess)
	}
}

func (m *Manager) handleRoomCandidate(sig Signal) {
	var p RoomCandidatePayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.groupSession(p.RoomID)
	if sess == nil {
		return
	}
	user, err := m.self()
	if err != nil || p.TargetID != user.ID {
		return
	}
	n := sess.link(p.UserID)
	if n == nil {
		return
	}
	if err := n.AddRemoteCandidate(p.Candidate); err != nil {
		log.Warnf("CALL [%s]: candidate from %s rejected: %v", sess.id, p.UserID, err)
	}
}

// handleEndRoom: one participant left. Their link closes; the room ends
// locally only when nobody is left.
func (m *Manager) handleEndRoom(sig Signal) {
	var p RoomEndPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return
	}
	sess := m.groupSession(p.RoomID)
	if sess == nil {
		return
	}
	if sess.Status() == StatusRinging {
		// Invite withdrawn before we answered.
		sess.mu.Lock()
		sess.direction = Missed
		sess.mu.Unlock()
		m.finish(sess, StatusEnded, "Missed group call")
		return
	}

	log.Infof("CALL [%s]: participant %s left", sess.id, p.UserID)
	sess.dropLink(p.UserID)

	sess.mu.Lock()
	remaining := len(sess.links)
	sess.mu.Unlock()
	if remaining == 0 && sess.Status() == StatusConnected {
		m.finish(sess, StatusEnded, "Group call ended")
	}
}

// groupSession returns the active session when it is the group call for
// roomID, else nil.
func (m *Manager) groupSession(roomID string) *Session {
	sess := m.Active()
	if sess == nil || !sess.isGroup || sess.roomID != roomID {
		return nil
	}
	return sess
}
