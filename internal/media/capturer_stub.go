//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/parley-chat/parley/internal/errs"
)

// DeviceCapturer is only implemented for Linux. Other platforms get a stub
// so the rest of the client still builds and runs calls receive-only.
type DeviceCapturer struct{}

func NewDeviceCapturer() *DeviceCapturer { return &DeviceCapturer{} }

func (d *DeviceCapturer) Capture(ctx context.Context, kind Kind, prefs Prefs) (*Stream, error) {
	return nil, errs.New(errs.MediaAccessDenied, "media capture not supported on this platform")
}

func (d *DeviceCapturer) CaptureScreen(ctx context.Context) (FrameSource, error) {
	return nil, errs.New(errs.MediaAccessDenied, "screen capture not supported on this platform")
}
