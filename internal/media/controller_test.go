package media

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/errs"
)

// fakeSource yields a fixed frame until closed.
type fakeSource struct {
	frame  []byte
	closed bool
}

func (f *fakeSource) ReadFrame() ([]byte, func(), error) {
	if f.closed {
		return nil, nil, io.EOF
	}
	return f.frame, func() {}, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type fakeCapturer struct {
	failWith  error
	screenErr error
	captured  int
	lastKind  Kind
}

func (f *fakeCapturer) Capture(ctx context.Context, kind Kind, prefs Prefs) (*Stream, error) {
	f.captured++
	f.lastKind = kind
	if f.failWith != nil {
		return nil, f.failWith
	}
	tracks := []*Track{NewTrack("mic-1", TrackAudio, &fakeSource{frame: []byte("aud")})}
	if kind == Video {
		tracks = append(tracks, NewTrack("cam-1", TrackVideo, &fakeSource{frame: []byte("cam")}))
	}
	return NewStream("camera", tracks...), nil
}

func (f *fakeCapturer) CaptureScreen(ctx context.Context) (FrameSource, error) {
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	return &fakeSource{frame: []byte("scr")}, nil
}

func TestAcquireVideoStream(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	stream, err := c.Acquire(context.Background(), Video)
	require.NoError(t, err)
	assert.Len(t, stream.AudioTracks(), 1)
	assert.Len(t, stream.VideoTracks(), 1)
	assert.Same(t, stream, c.Current())
}

func TestAcquireDeniedWrapsKind(t *testing.T) {
	cap := &fakeCapturer{failWith: errors.New("no such device")}
	c := NewController(cap, Prefs{})
	_, err := c.Acquire(context.Background(), Voice)
	require.Error(t, err)
	assert.Equal(t, errs.MediaAccessDenied, errs.KindOf(err))
	assert.Nil(t, c.Current())
}

func TestToggleMuteFlipsAudioTracks(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	stream, err := c.Acquire(context.Background(), Video)
	require.NoError(t, err)

	audio := stream.AudioTracks()[0]
	video := stream.VideoTracks()[0]
	require.True(t, audio.Enabled())

	assert.True(t, c.ToggleMute())
	assert.True(t, c.Muted())
	assert.False(t, audio.Enabled())
	// muting must never touch the video track or remove anything
	assert.True(t, video.Enabled())
	assert.Len(t, stream.Tracks(), 2)

	assert.False(t, c.ToggleMute())
	assert.True(t, audio.Enabled())
}

func TestToggleVideoFlipsVideoTracks(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	stream, err := c.Acquire(context.Background(), Video)
	require.NoError(t, err)

	video := stream.VideoTracks()[0]
	assert.True(t, c.ToggleVideo())
	assert.True(t, c.VideoOff())
	assert.False(t, video.Enabled())
	assert.Len(t, stream.Tracks(), 2)

	assert.False(t, c.ToggleVideo())
	assert.True(t, video.Enabled())
}

func TestToggleWithoutStreamIsNoop(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	assert.False(t, c.ToggleMute())
	assert.False(t, c.ToggleVideo())
}

func TestShareScreenSwapsAndRestores(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	stream, err := c.Acquire(context.Background(), Video)
	require.NoError(t, err)
	video := stream.VideoTracks()[0]

	require.NoError(t, c.ShareScreen(context.Background(), func() {}))
	assert.True(t, c.Sharing())

	// the outbound track now reads screen frames; same track, no SDP churn
	data, release, err := video.ReadFrame()
	require.NoError(t, err)
	release()
	assert.Equal(t, []byte("scr"), data)

	c.StopSharing()
	assert.False(t, c.Sharing())

	data, release, err = video.ReadFrame()
	require.NoError(t, err)
	release()
	assert.Equal(t, []byte("cam"), data)
}

func TestShareScreenSourceFailureFallsBack(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	stream, err := c.Acquire(context.Background(), Video)
	require.NoError(t, err)
	video := stream.VideoTracks()[0]

	stopped := make(chan struct{}, 1)
	require.NoError(t, c.ShareScreen(context.Background(), func() { stopped <- struct{}{} }))

	// simulate the user closing the shared window: the overlay source dies
	// and reads fall back to the camera without renegotiation
	screen := video.PopSource()
	require.NotNil(t, screen)

	data, release, err := video.ReadFrame()
	require.NoError(t, err)
	release()
	assert.Equal(t, []byte("cam"), data)
	_ = screen.Close()
}

func TestShareScreenWithoutVideoTrack(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	_, err := c.Acquire(context.Background(), Voice)
	require.NoError(t, err)
	err = c.ShareScreen(context.Background(), func() {})
	require.Error(t, err)
}

func TestReleaseStopsStream(t *testing.T) {
	c := NewController(&fakeCapturer{}, Prefs{})
	stream, err := c.Acquire(context.Background(), Video)
	require.NoError(t, err)

	c.Release()
	assert.Nil(t, c.Current())

	_, _, err = stream.VideoTracks()[0].ReadFrame()
	assert.Error(t, err)
}
