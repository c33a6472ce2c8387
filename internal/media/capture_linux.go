//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer reads the local microphone, camera and screen through
// pion/mediadevices, encoding Opus audio and VP8 video.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	log      *slog.Logger
}

func NewDeviceCapturer(log *slog.Logger) (*DeviceCapturer, error) {
	if log == nil {
		log = slog.Default()
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log.With("component", "media.capture"),
	}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *DeviceCapturer) Audio(ctx context.Context, c AudioConstraints) (AudioSource, error) {
	// The malgo driver exposes no processing controls; the flags are logged so
	// a missing echo canceller is visible when diagnosing call quality.
	d.log.Debug("opening microphone",
		"echo_cancellation", c.EchoCancellation,
		"noise_suppression", c.NoiseSuppression,
		"auto_gain_control", c.AutoGainControl,
	)
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return &deviceAudio{deviceSource{track: tracks[0]}}, nil
}

func (d *DeviceCapturer) Camera(ctx context.Context) (Source, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some webcams produce frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280, Ideal: 1280}
			c.Height = prop.IntRanged{Max: 720, Ideal: 720}
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return &deviceSource{track: tracks[0]}, nil
}

func (d *DeviceCapturer) Display(ctx context.Context) (Source, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return &deviceSource{track: tracks[0]}, nil
}

type deviceSource struct {
	track mediadevices.Track
}

func (s *deviceSource) Track() webrtc.TrackLocal { return s.track }

func (s *deviceSource) Stop() error { return s.track.Close() }

type deviceAudio struct {
	deviceSource
}

// Tap opens an independent Opus encoder on the same capture.
func (a *deviceAudio) Tap() (FrameReader, error) {
	r, err := a.track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		return nil, err
	}
	return &encodedTap{r: r}, nil
}

type encodedTap struct {
	r mediadevices.EncodedReadCloser
}

func (t *encodedTap) ReadFrame() (Frame, error) {
	buf, release, err := t.r.Read()
	if err != nil {
		if err == io.ErrClosedPipe {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	defer release()
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return Frame{Data: data, Samples: buf.Samples}, nil
}

func (t *encodedTap) Close() error { return t.r.Close() }
