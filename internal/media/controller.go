package media

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/errs"
)

var log = logging.Logger("media")

// Prefs selects capture devices.
type Prefs struct {
	PreferredCam string
	PreferredMic string
}

// Capturer opens hardware capture. The Linux implementation sits on
// pion/mediadevices; other platforms and tests provide their own.
type Capturer interface {
	Capture(ctx context.Context, kind Kind, prefs Prefs) (*Stream, error)
	CaptureScreen(ctx context.Context) (FrameSource, error)
}

// Controller owns at most one local stream at a time (single active call
// invariant). Toggle operations on a controller with no stream are no-ops
// with a logged warning rather than errors; a hangup can race a toggle.
type Controller struct {
	cap   Capturer
	prefs Prefs

	mu       sync.Mutex
	stream   *Stream
	muted    bool
	videoOff bool
	sharing  bool
}

// NewController creates a controller over cap.
func NewController(cap Capturer, prefs Prefs) *Controller {
	return &Controller{cap: cap, prefs: prefs}
}

// Acquire captures a fresh camera/microphone stream for kind. Permission or
// device failure surfaces as a MediaAccessDenied error; the caller must treat
// it as fatal to the call attempt, never proceed silently without media.
func (c *Controller) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	stream, err := c.cap.Capture(ctx, kind, c.prefs)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.MediaAccessDenied, "capture local media", err)
		}
		return nil, err
	}

	c.mu.Lock()
	if c.stream != nil {
		// A previous stream survived a messy teardown; stop it before
		// adopting the new one.
		log.Warnf("MEDIA: acquiring while a stream is still held; releasing old stream")
		c.stream.Stop()
	}
	c.stream = stream
	c.muted = false
	c.videoOff = false
	c.sharing = false
	c.mu.Unlock()

	log.Infof("MEDIA: acquired %s stream with %d tracks", kind, len(stream.Tracks()))
	return stream, nil
}

// Current returns the held stream, or nil.
func (c *Controller) Current() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// ToggleMute flips the audio tracks' enabled state. Returns the new muted
// state (true = muted).
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		log.Warnf("MEDIA: toggle mute with no local stream; ignored")
		return c.muted
	}
	c.muted = !c.muted
	for _, t := range c.stream.AudioTracks() {
		t.SetEnabled(!c.muted)
	}
	log.Infof("MEDIA: muted=%v", c.muted)
	return c.muted
}

// ToggleVideo flips the video tracks' enabled state. Returns the new
// disabled state (true = video off).
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		log.Warnf("MEDIA: toggle video with no local stream; ignored")
		return c.videoOff
	}
	c.videoOff = !c.videoOff
	for _, t := range c.stream.VideoTracks() {
		t.SetEnabled(!c.videoOff)
	}
	log.Infof("MEDIA: video disabled=%v", c.videoOff)
	return c.videoOff
}

// Muted reports the current mute state.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// VideoOff reports whether local video is disabled.
func (c *Controller) VideoOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOff
}

// Sharing reports whether a screen overlay is active.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// ShareScreen swaps the outgoing video for a screen-capture source. The
// camera source stays attached underneath and is restored automatically when
// capture ends, either via StopSharing or the user stopping from the OS
// picker. onStopped fires once on restore.
func (c *Controller) ShareScreen(ctx context.Context, onStopped func()) error {
	c.mu.Lock()
	stream := c.stream
	sharing := c.sharing
	c.mu.Unlock()

	if stream == nil {
		log.Warnf("MEDIA: share screen with no local stream; ignored")
		return errs.New(errs.MediaAccessDenied, "no active stream to share into")
	}
	if sharing {
		log.Warnf("MEDIA: already sharing; ignored")
		return nil
	}
	videos := stream.VideoTracks()
	if len(videos) == 0 {
		return errs.New(errs.MediaAccessDenied, "voice call has no video track to replace")
	}

	src, err := c.cap.CaptureScreen(ctx)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.MediaAccessDenied, "capture screen", err)
		}
		return err
	}

	videos[0].PushSource(src, func() {
		c.mu.Lock()
		c.sharing = false
		c.mu.Unlock()
		log.Infof("MEDIA: screen capture ended; camera restored")
		if onStopped != nil {
			onStopped()
		}
	})

	c.mu.Lock()
	c.sharing = true
	c.mu.Unlock()
	log.Infof("MEDIA: screen sharing started")
	return nil
}

// StopSharing ends an active screen share and restores the camera source.
func (c *Controller) StopSharing() {
	c.mu.Lock()
	stream := c.stream
	sharing := c.sharing
	c.sharing = false
	c.mu.Unlock()

	if stream == nil || !sharing {
		return
	}
	for _, t := range stream.VideoTracks() {
		if src := t.PopSource(); src != nil {
			_ = src.Close()
		}
	}
	log.Infof("MEDIA: screen sharing stopped; camera restored")
}

// Release stops all tracks and drops the stream. Safe to call repeatedly.
func (c *Controller) Release() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.muted = false
	c.videoOff = false
	c.sharing = false
	c.mu.Unlock()

	if stream != nil {
		stream.Stop()
		log.Infof("MEDIA: released local stream")
	}
}
