// Package rtc wraps a Pion PeerConnection into a PeerLink: one negotiated
// media link to one remote peer. The call layer drives offers/answers and
// routes trickled ICE candidates; rtc owns codec setup, candidate buffering,
// the single ICE restart, and remote track accounting.
package rtc

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("rtc")

// Candidate is a trickled ICE candidate as it travels over signaling.
// Field names match the browser's RTCIceCandidateInit so the same payload
// interops with web clients.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

func candidateFromICE(c *webrtc.ICECandidate) Candidate {
	init := c.ToJSON()
	out := Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		out.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		out.SDPMLineIndex = *init.SDPMLineIndex
	}
	return out
}

func (c Candidate) toInit() webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
