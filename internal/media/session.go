package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are public STUN servers. No TURN relay is configured,
// so peers behind symmetric NATs may fail to connect.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var (
	ErrNotInitialized = errors.New("media: session not initialized")
	ErrWrongState     = errors.New("media: operation not valid in current signaling state")
	ErrClosed         = errors.New("media: session closed")
)

// Config controls how the peer connection is built.
type Config struct {
	// ICEServers are STUN urls; empty means host candidates only.
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on the same machine.
	IncludeLoopback bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Audio AudioConstraints
}

func (c Config) Validate() error {
	for _, u := range c.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("media: only stun servers are supported, got %q", u)
		}
	}
	return nil
}

// Events are the callbacks a session raises. They run on pion goroutines and
// must not block.
type Events struct {
	OnRemoteTrack           func(track *webrtc.TrackRemote)
	OnICECandidate          func(c webrtc.ICECandidateInit)
	OnConnectionStateChange func(s webrtc.PeerConnectionState)
	// OnNegotiationNeeded fires when local tracks change after the first exchange.
	OnNegotiationNeeded func()
}

type localTrack struct {
	src    Source
	sender *webrtc.RTPSender
}

// Session is one peer connection plus the local media feeding it.
//
// Remote ICE candidates that arrive before the remote description are buffered
// and applied, in arrival order, right after SetRemoteDescription.
type Session struct {
	cfg  Config
	capt Capturer
	ev   Events
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	audio   AudioSource
	video   *localTrack
	screen  *localTrack
	pending []webrtc.ICECandidateInit
	closed  bool
}

func NewSession(cfg Config, capt Capturer, ev Events, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		capt:   capt,
		ev:     ev,
		log:    log.With("component", "media"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize builds the peer connection. Calling it again is a no-op.
func (s *Session) Initialize() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pc != nil {
		return nil
	}

	me := &webrtc.MediaEngine{}
	if err := s.capt.RegisterCodecs(me); err != nil {
		return fmt.Errorf("media: register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return fmt.Errorf("media: interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if s.cfg.DisconnectedTimeout > 0 || s.cfg.FailedTimeout > 0 {
		se.SetICETimeouts(s.cfg.DisconnectedTimeout, s.cfg.FailedTimeout, s.cfg.KeepAliveInterval)
	}
	if s.cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	var servers []webrtc.ICEServer
	if len(s.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("media: new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || s.ev.OnICECandidate == nil {
			return
		}
		s.ev.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Info("connection state", "state", st.String())
		if s.ev.OnConnectionStateChange != nil {
			s.ev.OnConnectionStateChange(st)
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Info("remote track", "kind", tr.Kind().String(), "codec", tr.Codec().MimeType)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go s.requestKeyframes(pc, tr.SSRC())
		}
		if s.ev.OnRemoteTrack != nil {
			s.ev.OnRemoteTrack(tr)
			return
		}
		go discard(tr)
	})
	pc.OnNegotiationNeeded(func() {
		if s.ev.OnNegotiationNeeded != nil {
			s.ev.OnNegotiationNeeded()
		}
	})

	s.pc = pc
	return nil
}

// StartAudio acquires the microphone and adds it to the connection.
// The returned source can be tapped by other consumers such as a recorder.
// The device is opened without holding the session lock.
func (s *Session) StartAudio(ctx context.Context) (AudioSource, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.audio != nil {
		defer s.mu.Unlock()
		return s.audio, nil
	}
	s.mu.Unlock()

	src, err := s.capt.Audio(ctx, s.cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: audio: %v", ErrMediaAcquisition, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		_ = src.Stop()
		return nil, err
	}
	if s.audio != nil {
		// lost a race with another StartAudio
		_ = src.Stop()
		return s.audio, nil
	}
	sender, err := s.pc.AddTrack(src.Track())
	if err != nil {
		_ = src.Stop()
		return nil, fmt.Errorf("media: add audio track: %w", err)
	}
	go drainRTCP(sender)
	s.audio = src
	return src, nil
}

// StartVideo adds the camera. It is a no-op when video is already on.
func (s *Session) StartVideo(ctx context.Context) error {
	return s.startLocal(ctx, &s.video, s.capt.Camera, "video")
}

func (s *Session) StopVideo() error { return s.stopLocal(&s.video) }

// StartScreenShare adds a display capture. It is a no-op when already sharing.
func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.startLocal(ctx, &s.screen, s.capt.Display, "screen")
}

func (s *Session) StopScreenShare() error { return s.stopLocal(&s.screen) }

func (s *Session) VideoOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video != nil
}

func (s *Session) ScreenShareOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

func (s *Session) startLocal(ctx context.Context, slot **localTrack, open func(context.Context) (Source, error), kind string) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if *slot != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	src, err := open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMediaAcquisition, kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		_ = src.Stop()
		return err
	}
	if *slot != nil {
		_ = src.Stop()
		return nil
	}
	sender, err := s.pc.AddTrack(src.Track())
	if err != nil {
		_ = src.Stop()
		return fmt.Errorf("media: add %s track: %w", kind, err)
	}
	go drainRTCP(sender)
	*slot = &localTrack{src: src, sender: sender}
	return nil
}

func (s *Session) stopLocal(slot **localTrack) error {
	s.mu.Lock()
	lt := *slot
	*slot = nil
	pc := s.pc
	s.mu.Unlock()
	if lt == nil {
		return nil
	}
	var errs []error
	if pc != nil {
		if err := pc.RemoveTrack(lt.sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, lt.src.Stop())
	return errors.Join(errs...)
}

// CreateOffer creates and applies a local offer. The connection must be in the
// stable signaling state (fresh, or renegotiating after a completed exchange).
func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if st := s.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer in %s", ErrWrongState, st)
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer creates and applies a local answer to the remote offer.
func (s *Session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if st := s.pc.SignalingState(); st != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrWrongState, st)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: set local answer: %w", err)
	}
	return answer, nil
}

// RollbackOffer withdraws an unanswered local offer so a remote offer can be
// applied instead. Without an outstanding offer it does nothing.
func (s *Session) RollbackOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	pending := s.pc.PendingLocalDescription()
	if pending == nil {
		return nil
	}
	// pion parses the SDP of a rollback, so the withdrawn offer is passed back.
	if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP}); err != nil {
		return fmt.Errorf("media: rollback offer: %w", err)
	}
	return nil
}

// SetRemoteDescription applies the peer's offer or answer, then any buffered candidates.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("media: set remote %s: %w", desc.Type, err)
	}

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("buffered candidate rejected", "err", err)
		}
	}
	if len(pending) > 0 {
		s.log.Debug("applied buffered candidates", "count", len(pending))
	}
	return nil
}

// AddICECandidate applies a remote candidate, or buffers it when no remote
// description is set yet.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("media: add candidate: %w", err)
	}
	return nil
}

// PendingCandidates is the number of remote candidates waiting for a remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// State reports the connection state; closed once Close has run.
func (s *Session) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return webrtc.PeerConnectionStateClosed
	case s.pc == nil:
		return webrtc.PeerConnectionStateNew
	}
	return s.pc.ConnectionState()
}

// Close stops every local source and closes the connection. It is safe in any
// state and safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc, audio, video, screen := s.pc, s.audio, s.video, s.screen
	s.pc, s.audio, s.video, s.screen, s.pending = nil, nil, nil, nil, nil
	s.mu.Unlock()

	s.cancel()

	var errs []error
	if audio != nil {
		errs = append(errs, audio.Stop())
	}
	for _, lt := range []*localTrack{video, screen} {
		if lt != nil {
			errs = append(errs, lt.src.Stop())
		}
	}
	if pc != nil {
		errs = append(errs, pc.Close())
	}
	return errors.Join(errs...)
}

func (s *Session) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.pc == nil {
		return ErrNotInitialized
	}
	return nil
}

// requestKeyframes sends a PLI periodically so a late-joining decoder gets a keyframe.
func (s *Session) requestKeyframes(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) {
	t := time.NewTicker(3 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
				return
			}
		}
	}
}

// drainRTCP reads sender reports so interceptors (NACK, TWCC) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func discard(tr *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := tr.Read(buf); err != nil {
			return
		}
	}
}
