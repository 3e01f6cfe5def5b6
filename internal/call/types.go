// Package call manages call sessions: the single-call-at-a-time state
// machine, the signaling exchange, and the per-peer negotiators. Coupling to
// the realtime layer is via the Signaler interface only, so tests and the
// relay transport can both drive it.
package call

import (
	"context"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/rtc"
)

var log = logging.Logger("call")

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Direction of a call from the local user's point of view. A ringing
// incoming call the remote side gives up on becomes missed.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Missed   Direction = "missed"
)

// Participant connection states.
const (
	PeerConnecting   = "connecting"
	PeerConnected    = "connected"
	PeerDisconnected = "disconnected"
)

// Participant is one remote member of a call.
type Participant struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ConnectionStatus string `json:"connectionStatus"`
	Muted            bool   `json:"muted"`
	VideoEnabled     bool   `json:"videoEnabled"`
}

// Info is a point-in-time snapshot of a session for the API layer.
type Info struct {
	ID              string        `json:"id"`
	Direction       Direction     `json:"direction"`
	MediaKind       media.Kind    `json:"mediaKind"`
	IsGroup         bool          `json:"isGroup"`
	Status          Status        `json:"status"`
	Participants    []Participant `json:"participants"`
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	EndedAt         time.Time     `json:"endedAt,omitempty"`
	DurationSeconds int           `json:"durationSeconds"`
	FailReason      string        `json:"failReason,omitempty"`
}

// Signal is one inbound signaling message.
type Signal struct {
	Event   string
	From    string
	Payload json.RawMessage
}

// Signaler is the slice of the realtime transport the call layer needs.
type Signaler interface {
	Emit(event string, payload any) error
	Connected() bool
	Subscribe() (<-chan Signal, func())
}

// Negotiator is one peer media link, as the session drives it. rtc.PeerLink
// is the production implementation; tests substitute fakes.
type Negotiator interface {
	CreateOffer() (string, error)
	CreateAnswer(offerSDP string) (string, error)
	AcceptAnswer(answerSDP string) error
	AddRemoteCandidate(rtc.Candidate) error
	MarkSignalled()
	Close() error
}

// NegotiatorConfig is what a session hands the factory for one peer.
type NegotiatorConfig struct {
	PeerID               string
	Local                *media.Stream
	OnLocalCandidate     func(rtc.Candidate)
	OnConnected          func()
	OnRenegotiationOffer func(sdp string)
	OnFailed             func(error)
}

// NegotiatorFactory builds a Negotiator for one remote peer.
type NegotiatorFactory func(NegotiatorConfig) (Negotiator, error)

// MediaController is the slice of the media layer the call layer needs.
type MediaController interface {
	Acquire(ctx context.Context, kind media.Kind) (*media.Stream, error)
	Current() *media.Stream
	ToggleMute() bool
	ToggleVideo() bool
	ShareScreen(ctx context.Context, onStopped func()) error
	StopSharing()
	Release()
}

// LogEntry is what the manager records about a finished call.
type LogEntry struct {
	CallID    string
	PeerID    string
	Direction Direction
	MediaKind media.Kind
	IsGroup   bool
	StartedAt time.Time
	EndedAt   time.Time
	Status    Status
}

// CallLogger persists finished calls. Optional; nil disables logging.
type CallLogger interface {
	RecordCall(e LogEntry) error
}
