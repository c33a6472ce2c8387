package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNoDevice means the platform has no usable capture device.
	ErrNoDevice = errors.New("media: no capture device")
	// ErrMediaAcquisition wraps any failure to open a local source.
	ErrMediaAcquisition = errors.New("media: could not acquire local media")
)

// AudioConstraints are the processing flags requested from the microphone.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Frame is one encoded audio frame read from a tap.
type Frame struct {
	Data []byte
	// Samples is the frame length at the codec clock rate (960 for 20ms of Opus).
	Samples uint32
}

// FrameReader is an independent consumer of an already-captured source.
// ReadFrame returns io.EOF once the reader or its source is closed.
type FrameReader interface {
	ReadFrame() (Frame, error)
	Close() error
}

// Source is one local capture feeding a peer connection track.
type Source interface {
	Track() webrtc.TrackLocal
	Stop() error
}

// AudioSource is a microphone capture that can be read by more than one consumer
// without opening the device twice.
type AudioSource interface {
	Source
	Tap() (FrameReader, error)
}

// Capturer opens local media. Implementations decide which codecs their
// tracks produce and register them on the media engine.
type Capturer interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
	Audio(ctx context.Context, c AudioConstraints) (AudioSource, error)
	Camera(ctx context.Context) (Source, error)
	// Display captures the screen; it never carries audio.
	Display(ctx context.Context) (Source, error)
}
