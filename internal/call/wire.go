package call

import "github.com/parley-chat/parley/internal/rtc"

// Signaling event names. Direct calls are keyed by callId; group calls by
// roomId. Field names match the web client's payloads.
const (
	EventOffer     = "call-offer"
	EventAnswer    = "call-answer"
	EventCandidate = "ice-candidate"
	EventEnd       = "call-end"

	EventJoinRoom         = "join-room"
	EventRoomInvite       = "room-invite-notification"
	EventParticipantReady = "webrtc-participant-ready"
	EventRoomAnswer       = "webrtc-answer"
	EventRoomCandidate    = "webrtc-ice-candidate"
	EventEndRoom          = "end-room"
)

// OfferPayload initiates a direct call. Also reused for an in-call
// renegotiation offer (ICE restart), distinguished by the callId matching an
// active session.
type OfferPayload struct {
	CallID   string `json:"callId"`
	TargetID string `json:"targetId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType"` // "voice" or "video"
	Offer    string `json:"offer"`
}

type AnswerPayload struct {
	CallID   string `json:"callId"`
	TargetID string `json:"targetId"`
	Answer   string `json:"answer"`
	SenderID string `json:"senderId"`
}

type CandidatePayload struct {
	CallID    string        `json:"callId"`
	TargetID  string        `json:"targetId"`
	Candidate rtc.Candidate `json:"candidate"`
	SenderID  string        `json:"senderId"`
}

type EndPayload struct {
	CallID   string `json:"callId"`
	TargetID string `json:"targetId"`
}

// JoinRoomPayload announces a participant entering a room. Existing
// participants respond with a participant-ready offer addressed to the
// newcomer.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type RoomInvitePayload struct {
	RoomID   string `json:"roomId"`
	FromID   string `json:"fromId"`
	FromName string `json:"fromName,omitempty"`
	ToID     string `json:"toId"`
	CallType string `json:"callType"`
}

// ParticipantReadyPayload carries the sender's offer for one newcomer.
type ParticipantReadyPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	TargetID string `json:"targetId"`
	Offer    string `json:"offer"`
}

type RoomAnswerPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	TargetID string `json:"targetId"`
	Answer   string `json:"answer"`
}

type RoomCandidatePayload struct {
	RoomID    string        `json:"roomId"`
	UserID    string        `json:"userId"`
	TargetID  string        `json:"targetId"`
	Candidate rtc.Candidate `json:"candidate"`
}

type RoomEndPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}
