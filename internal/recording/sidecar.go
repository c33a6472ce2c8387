// Package recording captures the local microphone for the length of a call
// and stores it as a single Ogg/Opus artifact.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"campus-calls/internal/media"
)

const (
	ContentType = "audio/ogg"

	opusClockRate = 48000
	opusChannels  = 2
	opusPT        = 111
	mtu           = 1200
)

var (
	ErrEmptyRecording = errors.New("recording: nothing was recorded")
	ErrAlreadyStarted = errors.New("recording: already started")
	ErrNotStarted     = errors.New("recording: not started")
)

type Option func(*Sidecar)

func WithClock(now func() time.Time) Option {
	return func(s *Sidecar) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sidecar) { s.log = l }
}

// Sidecar buffers encoded audio frames in memory while a call runs.
type Sidecar struct {
	callID string
	store  BlobStore
	now    func() time.Time
	log    *slog.Logger

	mu      sync.Mutex
	frames  []media.Frame
	tap     media.FrameReader
	done    chan struct{}
	stopped bool
}

func New(callID string, store BlobStore, opts ...Option) *Sidecar {
	s := &Sidecar{callID: callID, store: store, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "recording", "call_id", callID)
	return s
}

// Start reads frames from tap until it ends or Stop is called.
func (s *Sidecar) Start(tap media.FrameReader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap != nil || s.stopped {
		return ErrAlreadyStarted
	}
	s.tap = tap
	s.done = make(chan struct{})
	go s.read(tap, s.done)
	return nil
}

func (s *Sidecar) read(tap media.FrameReader, done chan struct{}) {
	defer close(done)
	for {
		f, err := tap.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("audio tap ended", "err", err)
			}
			return
		}
		if len(f.Data) == 0 {
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()
	}
}

// Stop ends capture and waits for the reader to drain. Safe to call twice.
func (s *Sidecar) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tap, done := s.tap, s.done
	s.mu.Unlock()

	if tap == nil {
		return
	}
	if err := tap.Close(); err != nil {
		s.log.Debug("close tap", "err", err)
	}
	<-done
}

// Frames is the number of buffered frames.
func (s *Sidecar) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Assemble packs the buffered frames into one Ogg/Opus stream.
func (s *Sidecar) Assemble() ([]byte, error) {
	s.mu.Lock()
	frames := append([]media.Frame(nil), s.frames...)
	s.mu.Unlock()
	return Assemble(frames)
}

// Assemble turns Opus frames into an Ogg file.
func Assemble(frames []media.Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyRecording
	}
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusClockRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("recording: ogg writer: %w", err)
	}
	p := rtp.NewPacketizer(mtu, opusPT, rand.Uint32(), &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate)
	for _, f := range frames {
		for _, pkt := range p.Packetize(f.Data, f.Samples) {
			if err := w.WriteRTP(pkt); err != nil {
				return nil, fmt.Errorf("recording: write page: %w", err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("recording: finish ogg: %w", err)
	}
	return buf.Bytes(), nil
}

// Key is the blob key a recording started at t is stored under.
func Key(callID string, t time.Time) string {
	return fmt.Sprintf("call_%s_%d.ogg", callID, t.UnixMilli())
}

// Finish stops capture, assembles the artifact and uploads it. The call record
// is not touched here; the caller attaches the URL.
func (s *Sidecar) Finish(ctx context.Context) (string, error) {
	s.Stop()
	data, err := s.Assemble()
	if err != nil {
		return "", err
	}
	url, err := s.store.Put(ctx, Key(s.callID, s.now()), ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("recording: upload: %w", err)
	}
	s.log.Info("recording saved", "url", url, "bytes", len(data))
	return url, nil
}
