package rtc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/errs"
)

func TestCandidateWireFormat(t *testing.T) {
	c := Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host", SDPMid: "0", SDPMLineIndex: 0}

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	// field names must match RTCIceCandidateInit for web interop
	assert.Contains(t, string(raw), `"candidate"`)
	assert.Contains(t, string(raw), `"sdpMid"`)
	assert.Contains(t, string(raw), `"sdpMLineIndex"`)

	init := c.toInit()
	assert.Equal(t, c.Candidate, init.Candidate)
	require.NotNil(t, init.SDPMid)
	assert.Equal(t, "0", *init.SDPMid)
}

func TestRemoteStreamDedupKeepsOrder(t *testing.T) {
	s := NewRemoteStream()

	a, isNew := s.Add("aud-1", "audio")
	assert.True(t, isNew)
	v, isNew := s.Add("vid-1", "video")
	assert.True(t, isNew)

	// renegotiation re-announces an existing track
	again, isNew := s.Add("aud-1", "audio")
	assert.False(t, isNew)
	assert.Same(t, a, again)

	tracks := s.Tracks()
	require.Len(t, tracks, 2)
	assert.Same(t, a, tracks[0])
	assert.Same(t, v, tracks[1])
	assert.Equal(t, 2, s.Len())
}

func TestRemoteTrackStats(t *testing.T) {
	rt := &RemoteTrack{ID: "vid-1", Kind: "video"}
	assert.Zero(t, rt.Stats().Packets)
	assert.True(t, rt.Stats().LastArrival.IsZero())

	rt.record(100)
	rt.record(50)

	s := rt.Stats()
	assert.Equal(t, uint64(2), s.Packets)
	assert.Equal(t, uint64(150), s.Bytes)
	assert.False(t, s.LastArrival.IsZero())
}

func TestLocalCandidatesHeldUntilSignalled(t *testing.T) {
	var sent []Candidate
	l := &PeerLink{cfg: Config{OnLocalCandidate: func(c Candidate) { sent = append(sent, c) }}}

	first := Candidate{Candidate: "candidate:1", SDPMid: "0"}
	second := Candidate{Candidate: "candidate:2", SDPMid: "0"}
	l.mu.Lock()
	l.pendingLocal = append(l.pendingLocal, first, second)
	l.mu.Unlock()

	assert.Empty(t, sent)
	l.MarkSignalled()
	require.Len(t, sent, 2)
	assert.Equal(t, first, sent[0])
	assert.Equal(t, second, sent[1])

	// once signalled, candidates pass straight through
	l.emitLocalCandidate(Candidate{Candidate: "candidate:3"})
	assert.Len(t, sent, 3)
}

func TestEarlyRemoteCandidateIsBuffered(t *testing.T) {
	l := &PeerLink{}
	require.NoError(t, l.AddRemoteCandidate(Candidate{Candidate: "candidate:1", SDPMid: "0"}))
	require.NoError(t, l.AddRemoteCandidate(Candidate{Candidate: "candidate:2", SDPMid: "0"}))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.pendingRemote, 2)
}

func TestSingleICERestartThenFailure(t *testing.T) {
	restartOffers := 0
	var failedErr error

	l, err := NewPeerLink(Config{
		PeerID:               "peer-1",
		OnRenegotiationOffer: func(string) { restartOffers++ },
		OnFailed:             func(e error) { failedErr = e },
	})
	require.NoError(t, err)
	defer l.Close()

	l.handleFailure()
	assert.Equal(t, 1, restartOffers)
	assert.NoError(t, failedErr)

	l.handleFailure()
	assert.Equal(t, 1, restartOffers, "only one restart attempt allowed")
	require.Error(t, failedErr)
	assert.Equal(t, errs.NegotiationFailed, errs.KindOf(failedErr))

	// further failures after giving up are swallowed
	l.handleFailure()
	assert.Equal(t, 1, restartOffers)
}

func TestReceiveOnlyOfferHasMediaSections(t *testing.T) {
	l, err := NewPeerLink(Config{PeerID: "peer-2"})
	require.NoError(t, err)
	defer l.Close()

	sdp, err := l.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, sdp, "m=video")
	assert.Contains(t, sdp, "m=audio")
}
