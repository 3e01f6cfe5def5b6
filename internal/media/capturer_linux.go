//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/internal/errs"
)

// DeviceCapturer captures camera/microphone/screen via pion/mediadevices
// (V4L2 + malgo + X11 on Linux), producing VP8/Opus encoded frame sources.
type DeviceCapturer struct{}

func NewDeviceCapturer() *DeviceCapturer { return &DeviceCapturer{} }

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Capture opens camera/microphone for the requested kind. GetUserMedia fails
// as a unit if either track cannot be opened, so video calls degrade:
// video+audio, then video-only, then audio-only. If every attempt fails the
// error is MediaAccessDenied; the call layer must not proceed silently.
func (d *DeviceCapturer) Capture(ctx context.Context, kind Kind, prefs Prefs) (*Stream, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var ladder []attempt
	if kind == Video {
		ladder = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		ladder = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range ladder {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG; some cameras expose an MJPEG V4L2 node
				// producing malformed JPEG frames that poison the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
				if prefs.PreferredCam != "" {
					c.DeviceID = prop.StringExact(prefs.PreferredCam)
				}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if prefs.PreferredMic != "" {
					c.DeviceID = prop.StringExact(prefs.PreferredMic)
				}
			}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks, err := wrapTracks(ms.GetTracks())
		if err != nil {
			for _, mt := range ms.GetTracks() {
				mt.Close()
			}
			log.Warnf("MEDIA: encoder setup failed, skipping attempt (%s): %v", a.label, err)
			lastErr = err
			continue
		}

		log.Infof("MEDIA: local capture ready (%s), %d tracks", a.label, len(tracks))
		return NewStream("camera", tracks...), nil
	}

	return nil, errs.Wrap(errs.MediaAccessDenied, "all capture attempts failed", lastErr)
}

// CaptureScreen opens a screen-capture video source.
func (d *DeviceCapturer) CaptureScreen(ctx context.Context) (FrameSource, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, errs.Wrap(errs.MediaAccessDenied, "screen capture", err)
	}

	for _, mt := range ms.GetTracks() {
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			r, err := mt.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				mt.Close()
				return nil, fmt.Errorf("screen VP8 reader: %w", err)
			}
			return &encodedSource{r: r, track: mt}, nil
		}
		mt.Close()
	}
	return nil, errs.New(errs.MediaAccessDenied, "display media yielded no video track")
}

// wrapTracks builds encoded frame sources for each captured track. A broken
// video encoder fails the whole attempt; a poisoned VP8 stream would break
// SDP negotiation entirely.
func wrapTracks(mts []mediadevices.Track) ([]*Track, error) {
	var out []*Track
	for _, mt := range mts {
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("MEDIA: local track ended: %v", err)
			}
		})

		var mime, kind string
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			mime, kind = webrtc.MimeTypeVP8, TrackVideo
		} else {
			mime, kind = webrtc.MimeTypeOpus, TrackAudio
		}
		r, err := mt.NewEncodedReader(mime)
		if err != nil {
			for _, t := range out {
				t.Stop()
			}
			return nil, fmt.Errorf("%s reader for track %s: %w", mime, mt.ID(), err)
		}
		out = append(out, NewTrack(mt.ID(), kind, &encodedSource{r: r, track: mt}))
	}
	return out, nil
}

// encodedSource adapts a mediadevices encoded reader to FrameSource.
// ReadFrame copies the buffer because release recycles it.
type encodedSource struct {
	r     mediadevices.EncodedReadCloser
	track mediadevices.Track
}

func (s *encodedSource) ReadFrame() ([]byte, func(), error) {
	buf, release, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	release()
	return data, func() {}, nil
}

func (s *encodedSource) Close() error {
	err := s.r.Close()
	if s.track != nil {
		s.track.Close()
	}
	return err
}
