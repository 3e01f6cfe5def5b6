// Package media acquires and controls local camera/microphone/screen
// capture. Tracks expose encoded frames to the rtc layer; mute and
// camera-off are implemented by disabling a track, never by removing it;
// removal would force renegotiation and cause visible glitches.
package media

import (
	"io"
	"sync"
	"sync/atomic"
)

// Kind selects what Acquire captures.
type Kind string

const (
	Voice Kind = "voice"
	Video Kind = "video"
)

// Track kinds, matching the m-line they feed.
const (
	TrackAudio = "audio"
	TrackVideo = "video"
)

// FrameSource yields encoded frames (VP8 for video, Opus for audio).
// ReadFrame blocks until the next frame is ready; release must be called when
// the caller is done with data. Close stops the underlying capture.
type FrameSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// Track is one local media track. Its source can be overlaid (screen share
// replaces the camera source) and falls back to the base source when the
// overlay ends outside our control, e.g. the user stopping capture from the
// OS picker.
type Track struct {
	id      string
	kind    string
	enabled atomic.Bool

	mu            sync.Mutex
	sources       []FrameSource // top of the stack is active
	onSourceEnded func()
}

// NewTrack creates an enabled track over a base source.
func NewTrack(id, kind string, src FrameSource) *Track {
	t := &Track{id: id, kind: kind}
	t.enabled.Store(true)
	if src != nil {
		t.sources = []FrameSource{src}
	}
	return t
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() string { return t.kind }

// Enabled reports whether the track currently produces media. A disabled
// track keeps capturing but its frames are not forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// ReadFrame reads from the active source. When an overlay source fails
// (screen capture stopped), the track falls back to its base source
// transparently and keeps reading.
func (t *Track) ReadFrame() ([]byte, func(), error) {
	for {
		t.mu.Lock()
		if len(t.sources) == 0 {
			t.mu.Unlock()
			return nil, nil, io.EOF
		}
		src := t.sources[len(t.sources)-1]
		overlay := len(t.sources) > 1
		t.mu.Unlock()

		data, release, err := src.ReadFrame()
		if err == nil {
			return data, release, nil
		}
		if !overlay {
			return nil, nil, err
		}

		t.mu.Lock()
		var cb func()
		if len(t.sources) > 1 && t.sources[len(t.sources)-1] == src {
			t.sources = t.sources[:len(t.sources)-1]
			cb = t.onSourceEnded
		}
		t.mu.Unlock()

		_ = src.Close()
		if cb != nil {
			cb()
		}
	}
}

// PushSource overlays src as the active source. onEnded fires once when the
// overlay ends on its own and the track has fallen back to the base source.
func (t *Track) PushSource(src FrameSource, onEnded func()) {
	t.mu.Lock()
	t.sources = append(t.sources, src)
	t.onSourceEnded = onEnded
	t.mu.Unlock()
}

// PopSource removes the overlay source, if any, and returns it.
func (t *Track) PopSource() FrameSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sources) <= 1 {
		return nil
	}
	src := t.sources[len(t.sources)-1]
	t.sources = t.sources[:len(t.sources)-1]
	t.onSourceEnded = nil
	return src
}

// Stop closes every source and empties the track.
func (t *Track) Stop() {
	t.mu.Lock()
	sources := t.sources
	t.sources = nil
	t.mu.Unlock()
	for _, s := range sources {
		_ = s.Close()
	}
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	source string // "camera" or "screen"
	tracks []*Track
}

// NewStream groups tracks under a source label.
func NewStream(source string, tracks ...*Track) *Stream {
	return &Stream{source: source, tracks: tracks}
}

func (s *Stream) Source() string   { return s.source }
func (s *Stream) Tracks() []*Track { return s.tracks }

func (s *Stream) AudioTracks() []*Track { return s.byKind(TrackAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(TrackVideo) }

func (s *Stream) byKind(kind string) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
