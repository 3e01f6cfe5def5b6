package rtc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/parley-chat/parley/internal/errs"
	"github.com/parley-chat/parley/internal/media"
)

const pliInterval = 3 * time.Second

// Config wires a PeerLink to its surroundings. Callbacks fire from Pion's
// goroutines; they must not block.
type Config struct {
	// PeerID labels logs; it is the remote participant's ID.
	PeerID string

	// ICEServers in URL form, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string

	// Local is the local media stream to send. Nil means receive-only.
	Local *media.Stream

	// OnLocalCandidate delivers a gathered candidate ready to trickle.
	// Candidates gathered before MarkSignalled are held back and flushed
	// then; trickling before the offer/answer is on the wire would hand
	// the remote side candidates it cannot attach yet.
	OnLocalCandidate func(Candidate)

	// OnRemoteTrack fires once per distinct remote track.
	OnRemoteTrack func(*RemoteTrack)

	// OnConnected fires each time the connection (re)establishes.
	OnConnected func()

	// OnRenegotiationOffer delivers the ICE-restart offer to signal out.
	OnRenegotiationOffer func(sdp string)

	// OnFailed fires once when the link is beyond recovery.
	OnFailed func(error)
}

// PeerLink is one media link to one remote peer.
type PeerLink struct {
	cfg    Config
	pc     *webrtc.PeerConnection
	remote *RemoteStream

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	signalled      bool        // offer/answer has been sent out
	pendingLocal   []Candidate // gathered before signalled
	remoteDescSet  bool
	pendingRemote  []Candidate // arrived before remote description
	restarted      bool        // the one ICE restart has been spent
	failed         bool
}

// NewPeerLink builds the PeerConnection, attaches local tracks (or recvonly
// transceivers when there are none) and starts forwarding media.
func NewPeerLink(cfg Config) (*PeerLink, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call. The default disconnectedTimeout of 5s is far too short for
	// paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &PeerLink{
		cfg:    cfg,
		pc:     pc,
		remote: NewRemoteStream(),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Local != nil && len(cfg.Local.Tracks()) > 0 {
		for _, t := range cfg.Local.Tracks() {
			if err := l.addLocalTrack(t); err != nil {
				pc.Close()
				cancel()
				return nil, err
			}
		}
	} else {
		l.addRecvOnlyTransceivers()
	}

	pc.OnICECandidate(l.handleLocalCandidate)
	pc.OnTrack(l.handleRemoteTrack)
	pc.OnConnectionStateChange(l.handleStateChange)

	return l, nil
}

// addLocalTrack attaches one local track as a static-sample track and starts
// the forwarder that feeds it encoded frames.
func (l *PeerLink) addLocalTrack(t *media.Track) error {
	mime := webrtc.MimeTypeOpus
	if t.Kind() == media.TrackVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime}, t.ID(), "parley",
	)
	if err != nil {
		return err
	}
	sender, err := l.pc.AddTrack(local)
	if err != nil {
		return err
	}

	// The sender's RTCP must be drained or the interceptors stall.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go l.forward(t, local)
	return nil
}

// forward pumps encoded frames from the capture track into the RTP track.
// A disabled track keeps reading (the encoder must not back up) but drops
// the sample: mute is a gap in the stream, the track itself stays attached
// so no renegotiation happens on mute/unmute.
func (l *PeerLink) forward(src *media.Track, dst *webrtc.TrackLocalStaticSample) {
	fallback := 20 * time.Millisecond // Opus frame
	if src.Kind() == media.TrackVideo {
		fallback = time.Second / 30
	}
	last := time.Now()
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		data, release, err := src.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Warnf("RTC [%s]: %s frame read: %v", l.cfg.PeerID, src.Kind(), err)
			}
			return
		}
		now := time.Now()
		dur := now.Sub(last)
		last = now
		if dur <= 0 || dur > time.Second {
			dur = fallback
		}

		if src.Enabled() {
			if werr := dst.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); werr != nil {
				log.Warnf("RTC [%s]: write %s sample: %v", l.cfg.PeerID, src.Kind(), werr)
			}
		}
		release()
	}
}

// addRecvOnlyTransceivers ensures CreateOffer/CreateAnswer produce valid
// m-lines with ICE credentials even with no local media.
func (l *PeerLink) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Errorf("RTC [%s]: AddTransceiver(%s): %v", l.cfg.PeerID, kind, err)
		}
	}
}

// CreateOffer builds and installs the local offer. Candidates trickle from
// here on but stay buffered until MarkSignalled.
func (l *PeerLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and builds the local answer.
// Remote candidates buffered before the offer arrived are flushed.
func (l *PeerLink) CreateAnswer(offerSDP string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offerSDP,
	}); err != nil {
		return "", err
	}
	l.flushRemoteCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer to our outstanding offer.
func (l *PeerLink) AcceptAnswer(answerSDP string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answerSDP,
	}); err != nil {
		return err
	}
	l.flushRemoteCandidates()
	return nil
}

// MarkSignalled records that our offer/answer is on the wire and flushes
// candidates gathered in the meantime.
func (l *PeerLink) MarkSignalled() {
	l.mu.Lock()
	l.signalled = true
	pending := l.pendingLocal
	l.pendingLocal = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.emitLocalCandidate(c)
	}
}

// AddRemoteCandidate attaches a trickled candidate. Candidates arriving
// before the remote description are buffered, never dropped.
func (l *PeerLink) AddRemoteCandidate(c Candidate) error {
	l.mu.Lock()
	if !l.remoteDescSet {
		l.pendingRemote = append(l.pendingRemote, c)
		l.mu.Unlock()
		log.Debugf("RTC [%s]: buffered early remote candidate", l.cfg.PeerID)
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c.toInit())
}

func (l *PeerLink) flushRemoteCandidates() {
	l.mu.Lock()
	l.remoteDescSet = true
	pending := l.pendingRemote
	l.pendingRemote = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c.toInit()); err != nil {
			log.Warnf("RTC [%s]: buffered candidate rejected: %v", l.cfg.PeerID, err)
		}
	}
}

func (l *PeerLink) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering finished
	}
	cand := candidateFromICE(c)

	l.mu.Lock()
	if !l.signalled {
		l.pendingLocal = append(l.pendingLocal, cand)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.emitLocalCandidate(cand)
}

func (l *PeerLink) emitLocalCandidate(c Candidate) {
	if l.cfg.OnLocalCandidate != nil {
		l.cfg.OnLocalCandidate(c)
	}
}

func (l *PeerLink) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt, isNew := l.remote.Add(track.ID(), track.Kind().String())
	if !isNew {
		// Renegotiation re-announced a track we already display; keep the
		// existing entry, just keep draining the new receiver.
		log.Debugf("RTC [%s]: duplicate remote track %s ignored", l.cfg.PeerID, track.ID())
	} else {
		log.Infof("RTC [%s]: remote track %s kind=%s codec=%s",
			l.cfg.PeerID, track.ID(), track.Kind(), track.Codec().MimeType)
		if l.cfg.OnRemoteTrack != nil {
			l.cfg.OnRemoteTrack(rt)
		}
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go l.sendPLI(track)
	}
	go l.drain(track, rt)
}

// drain reads the remote RTP stream, keeping the receive path moving and the
// track's stats current.
func (l *PeerLink) drain(track *webrtc.TrackRemote, rt *RemoteTrack) {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Debugf("RTC [%s]: remote %s read: %v", l.cfg.PeerID, rt.Kind, err)
			}
			return
		}
		if pkt != nil {
			rt.record(pkt.MarshalSize())
		}
	}
}

// sendPLI asks the sender for periodic keyframes so a late joiner or a
// loss burst recovers without waiting for the encoder's own interval.
func (l *PeerLink) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (l *PeerLink) handleStateChange(state webrtc.PeerConnectionState) {
	log.Infof("RTC [%s]: connection state %s", l.cfg.PeerID, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if l.cfg.OnConnected != nil {
			l.cfg.OnConnected()
		}
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may still recover within the configured timeouts.
		log.Warnf("RTC [%s]: disconnected, waiting for ICE recovery", l.cfg.PeerID)
	case webrtc.PeerConnectionStateFailed:
		l.handleFailure()
	}
}

// handleFailure spends the single ICE restart, or gives up.
func (l *PeerLink) handleFailure() {
	l.mu.Lock()
	if l.failed {
		l.mu.Unlock()
		return
	}
	if l.restarted {
		l.failed = true
		l.mu.Unlock()
		log.Errorf("RTC [%s]: connection failed after ICE restart", l.cfg.PeerID)
		if l.cfg.OnFailed != nil {
			l.cfg.OnFailed(errs.New(errs.NegotiationFailed, "connection failed after ICE restart"))
		}
		return
	}
	l.restarted = true
	l.mu.Unlock()

	log.Warnf("RTC [%s]: connection failed, attempting ICE restart", l.cfg.PeerID)
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	if err != nil {
		l.mu.Lock()
		l.failed = true
		l.mu.Unlock()
		log.Errorf("RTC [%s]: ICE restart offer: %v", l.cfg.PeerID, err)
		if l.cfg.OnFailed != nil {
			l.cfg.OnFailed(errs.Wrap(errs.NegotiationFailed, "ICE restart offer", err))
		}
		return
	}
	if l.cfg.OnRenegotiationOffer != nil {
		l.cfg.OnRenegotiationOffer(offer.SDP)
	}
}

// Remote returns the remote track set.
func (l *PeerLink) Remote() *RemoteStream { return l.remote }

// Close tears the link down. Safe to call repeatedly.
func (l *PeerLink) Close() error {
	l.cancel()
	return l.pc.Close()
}
