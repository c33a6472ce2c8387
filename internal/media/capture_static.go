package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Filler is a fixed VP8 payload. It is not a decodable picture; it only keeps RTP flowing.
var vp8Filler = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

// StaticCapturer produces synthetic sample tracks instead of reading devices.
// Headless participants and tests use it where no camera or microphone exists.
type StaticCapturer struct {
	// Interval between frames; 20ms when zero.
	Interval time.Duration
}

func (c StaticCapturer) interval() time.Duration {
	if c.Interval <= 0 {
		return 20 * time.Millisecond
	}
	return c.Interval
}

func (StaticCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c StaticCapturer) Audio(ctx context.Context, _ AudioConstraints) (AudioSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "local",
	)
	if err != nil {
		return nil, err
	}
	return startStatic(track, opusSilence, c.interval()), nil
}

func (c StaticCapturer) Camera(ctx context.Context) (Source, error) {
	return c.video("camera")
}

func (c StaticCapturer) Display(ctx context.Context) (Source, error) {
	return c.video("screen")
}

func (c StaticCapturer) video(id string) (Source, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, "local",
	)
	if err != nil {
		return nil, err
	}
	return startStatic(track, vp8Filler, 33*time.Millisecond), nil
}

type staticSource struct {
	track    *webrtc.TrackLocalStaticSample
	payload  []byte
	interval time.Duration

	mu      sync.Mutex
	taps    map[*staticTap]struct{}
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func startStatic(track *webrtc.TrackLocalStaticSample, payload []byte, interval time.Duration) *staticSource {
	s := &staticSource{
		track:    track,
		payload:  payload,
		interval: interval,
		taps:     map[*staticTap]struct{}{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *staticSource) Track() webrtc.TrackLocal { return s.track }

func (s *staticSource) run() {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	samples := uint32(s.interval.Seconds() * 48000)
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			_ = s.track.WriteSample(pionmedia.Sample{Data: s.payload, Duration: s.interval})
			s.fanOut(Frame{Data: append([]byte(nil), s.payload...), Samples: samples})
		}
	}
}

func (s *staticSource) fanOut(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tap := range s.taps {
		select {
		case tap.ch <- f:
		default:
		}
	}
}

func (s *staticSource) Tap() (FrameReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, io.ErrClosedPipe
	}
	tap := &staticTap{src: s, ch: make(chan Frame, 512)}
	s.taps[tap] = struct{}{}
	return tap, nil
}

func (s *staticSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	taps := s.taps
	s.taps = map[*staticTap]struct{}{}
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	for tap := range taps {
		tap.closeChan()
	}
	return nil
}

type staticTap struct {
	src  *staticSource
	ch   chan Frame
	once sync.Once
}

func (t *staticTap) ReadFrame() (Frame, error) {
	f, ok := <-t.ch
	if !ok {
		return Frame{}, io.EOF
	}
	return f, nil
}

func (t *staticTap) Close() error {
	t.src.mu.Lock()
	delete(t.src.taps, t)
	t.src.mu.Unlock()
	t.closeChan()
	return nil
}

func (t *staticTap) closeChan() {
	t.once.Do(func() { close(t.ch) })
}
