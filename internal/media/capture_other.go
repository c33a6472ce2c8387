//go:build !linux || !cgo

package media

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no device drivers on this platform; every capture fails
// with ErrNoDevice, which participants treat as a fatal setup error.
type DeviceCapturer struct {
	log *slog.Logger
}

func NewDeviceCapturer(log *slog.Logger) (*DeviceCapturer, error) {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceCapturer{log: log.With("component", "media.capture")}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *DeviceCapturer) Audio(ctx context.Context, _ AudioConstraints) (AudioSource, error) {
	return nil, ErrNoDevice
}

func (d *DeviceCapturer) Camera(ctx context.Context) (Source, error) { return nil, ErrNoDevice }

func (d *DeviceCapturer) Display(ctx context.Context) (Source, error) { return nil, ErrNoDevice }
