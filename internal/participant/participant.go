// Package participant runs one user's side of a call: it joins the media
// session, the negotiation machine, the signal feed, the call status feed and
// the optional recorder, and tears all of them down together.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"campus-calls/internal/calls"
	"campus-calls/internal/media"
	"campus-calls/internal/negotiation"
	"campus-calls/internal/notify"
	"campus-calls/internal/realtime"
	"campus-calls/internal/recording"
	"campus-calls/internal/signaling"
)

var (
	ErrNotParty  = errors.New("participant: user is not a party to this call")
	ErrCallOver  = errors.New("participant: call already finished")
	ErrNotJoined = errors.New("participant: not joined")
	ErrJoined    = errors.New("participant: already joined")
)

// CallControl is the slice of the lifecycle controller a participant uses.
type CallControl interface {
	Get(ctx context.Context, callID string) (calls.Call, error)
	End(ctx context.Context, callID, actorID string) (calls.Call, error)
	Abandon(ctx context.Context, callID, actorID string) (calls.Call, error)
	MarkFeature(ctx context.Context, callID string, f calls.Feature) (calls.Call, error)
	AttachVoiceNote(ctx context.Context, callID, url string) (calls.Call, error)
}

// Signals is the signaling transport as seen by a participant.
type Signals interface {
	negotiation.Sender
	Subscribe(ctx context.Context, callID, self string, h signaling.Handler, opts ...signaling.SubscribeOption) (*signaling.Subscription, error)
}

type Config struct {
	CallID string
	UserID string
	Media  media.Config
	// Record taps the local microphone and uploads the result when the call ends.
	Record bool
	// OnRemoteTrack receives the other party's media; nil discards it.
	OnRemoteTrack func(*webrtc.TrackRemote)
	// UploadTimeout bounds the recording upload during teardown.
	UploadTimeout time.Duration
}

type Deps struct {
	Calls    CallControl
	Signals  Signals
	Bus      realtime.Bus
	Capturer media.Capturer
	Notifier notify.Notifier
	Blobs    recording.BlobStore
	Log      *slog.Logger
}

type Participant struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	joined   bool
	role     negotiation.Role
	session  *media.Session
	machine  *negotiation.Machine
	signals  *signaling.Subscription
	status   realtime.Subscription
	recorder *recording.Sidecar
	voice    string

	closing  atomic.Bool
	tornDown sync.Once
	done     chan struct{}
}

func New(cfg Config, deps Deps) *Participant {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Participant{
		cfg:    cfg,
		deps:   deps,
		log:    log.With("component", "participant", "call_id", cfg.CallID, "user_id", cfg.UserID),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Join sets up every piece of the call for this user. A media failure is fatal:
// the user is notified, the call is abandoned and everything is released.
func (p *Participant) Join(ctx context.Context) error {
	p.mu.Lock()
	if p.joined {
		p.mu.Unlock()
		return ErrJoined
	}
	p.joined = true
	p.mu.Unlock()

	call, err := p.deps.Calls.Get(ctx, p.cfg.CallID)
	if err != nil {
		p.teardown()
		return err
	}
	if call.Status.Terminal() {
		p.teardown()
		return ErrCallOver
	}
	role, remote, err := roleFor(call, p.cfg.UserID)
	if err != nil {
		p.teardown()
		return err
	}

	session := media.NewSession(p.cfg.Media, p.deps.Capturer, media.Events{
		OnRemoteTrack:           p.cfg.OnRemoteTrack,
		OnICECandidate:          p.onLocalCandidate,
		OnConnectionStateChange: p.onConnectionState,
		OnNegotiationNeeded:     p.onNegotiationNeeded,
	}, p.log)
	p.mu.Lock()
	p.role = role
	p.session = session
	p.mu.Unlock()

	if err := session.Initialize(); err != nil {
		return p.failJoin(ctx, err)
	}
	audio, err := session.StartAudio(ctx)
	if err != nil {
		return p.failJoin(ctx, err)
	}
	if p.cfg.Record && p.deps.Blobs != nil {
		if err := p.startRecorder(audio); err != nil {
			p.log.Warn("recording unavailable", "err", err)
			p.notify(ctx, notify.KindError, "Recording error", "Could not start recording")
		}
	}

	machine, err := negotiation.New(negotiation.Config{
		CallID: p.cfg.CallID,
		Self:   p.cfg.UserID,
		Role:   role,
		Remote: remote,
	}, session, p.deps.Signals, p.log)
	if err != nil {
		return p.failJoin(ctx, err)
	}
	machine.Start()
	p.mu.Lock()
	p.machine = machine
	p.mu.Unlock()

	status, err := p.deps.Bus.Subscribe(p.ctx, realtime.CallTopic(p.cfg.CallID))
	if err != nil {
		return p.failTransport(ctx, fmt.Errorf("watch call: %w", err))
	}
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	sub, err := p.deps.Signals.Subscribe(p.ctx, p.cfg.CallID, p.cfg.UserID, p.onSignal, signaling.WithReplay())
	if err != nil {
		return p.failTransport(ctx, fmt.Errorf("subscribe signals: %w", err))
	}
	p.mu.Lock()
	p.signals = sub
	p.mu.Unlock()

	go p.watch(status)

	// The call may have gone active between the first read and the watch attaching.
	latest, err := p.deps.Calls.Get(ctx, p.cfg.CallID)
	if err != nil {
		return p.failTransport(ctx, fmt.Errorf("reload call: %w", err))
	}
	p.apply(latest)
	p.log.Info("joined call", "role", string(role))
	return nil
}

func roleFor(c calls.Call, userID string) (negotiation.Role, string, error) {
	switch {
	case userID == "":
		return "", "", ErrNotParty
	case c.InitiatorID == userID:
		return negotiation.RoleInitiator, c.ResponderID, nil
	case c.ResponderID == userID:
		return negotiation.RoleResponder, c.InitiatorID, nil
	}
	return "", "", ErrNotParty
}

func (p *Participant) startRecorder(audio media.AudioSource) error {
	tap, err := audio.Tap()
	if err != nil {
		return err
	}
	rec := recording.New(p.cfg.CallID, p.deps.Blobs, recording.WithLogger(p.log))
	if err := rec.Start(tap); err != nil {
		_ = tap.Close()
		return err
	}
	p.mu.Lock()
	p.recorder = rec
	p.mu.Unlock()
	return nil
}

func (p *Participant) failJoin(ctx context.Context, cause error) error {
	p.log.Error("call setup failed", "err", cause)
	p.notify(ctx, notify.KindError, "Call failed", "Failed to initialize call")
	if _, err := p.deps.Calls.Abandon(ctx, p.cfg.CallID, p.cfg.UserID); err != nil {
		p.log.Warn("abandon after setup failure", "err", err)
	}
	p.teardown()
	return cause
}

func (p *Participant) failTransport(ctx context.Context, cause error) error {
	p.log.Error("call transport failed", "err", cause)
	p.notify(ctx, notify.KindError, "Call failed", "Failed to start call")
	p.teardown()
	return cause
}

func (p *Participant) watch(sub realtime.Subscription) {
	for msg := range sub.C() {
		var ev calls.Event
		if err := msg.Decode(&ev); err != nil {
			p.log.Warn("undecodable call event", "err", err)
			continue
		}
		if ev.Call.ID != p.cfg.CallID {
			continue
		}
		p.apply(ev.Call)
	}
}

// apply reacts to the persisted call state: the caller offers once the call is
// active, and a finished call tears everything down.
func (p *Participant) apply(c calls.Call) {
	if p.closing.Load() {
		return
	}
	switch {
	case c.Status == calls.StatusActive && p.Role() == negotiation.RoleInitiator:
		m := p.currentMachine()
		if m == nil {
			return
		}
		if err := m.CallActive(p.ctx, c.ResponderID); err != nil {
			p.log.Error("offer failed", "err", err)
			go p.connectionLost()
		}
	case c.Status.Terminal():
		p.log.Info("call finished", "status", string(c.Status))
		go p.teardown()
	}
}

func (p *Participant) onSignal(ctx context.Context, m signaling.Message) {
	machine := p.currentMachine()
	if machine == nil {
		return
	}
	if err := machine.HandleSignal(ctx, m); err != nil {
		p.log.Warn("signal not applied", "type", string(m.Type), "err", err)
		if machine.State() == negotiation.StateFailed {
			go p.connectionLost()
		}
		return
	}
	if m.Type == signaling.TypeAnswer || m.Type == signaling.TypeOffer {
		p.flushRenegotiation(machine)
	}
}

func (p *Participant) onLocalCandidate(c webrtc.ICECandidateInit) {
	machine := p.currentMachine()
	if machine == nil || p.closing.Load() {
		return
	}
	if err := machine.LocalCandidate(p.ctx, c); err != nil {
		p.log.Warn("candidate not sent", "err", err)
	}
}

func (p *Participant) onConnectionState(st webrtc.PeerConnectionState) {
	machine := p.currentMachine()
	if machine == nil || p.closing.Load() {
		return
	}
	switch machine.ConnectionStateChanged(st) {
	case negotiation.StateFailed:
		go p.connectionLost()
	case negotiation.StateConnected:
		p.flushRenegotiation(machine)
	}
}

// flushRenegotiation offers tracks that were added before the connection was
// ready to carry them.
func (p *Participant) flushRenegotiation(machine *negotiation.Machine) {
	if !machine.Pending() || p.closing.Load() {
		return
	}
	go func() {
		if err := machine.FlushPending(p.ctx); err != nil {
			p.log.Warn("renegotiation failed", "err", err)
		}
	}()
}

func (p *Participant) onNegotiationNeeded() {
	machine := p.currentMachine()
	if machine == nil || p.closing.Load() {
		return
	}
	go func() {
		if err := machine.Renegotiate(p.ctx); err != nil {
			p.log.Warn("renegotiation failed", "err", err)
		}
	}()
}

// connectionLost ends the call after the peer connection died. If the call
// already finished (the other side hung up) it only tears down.
func (p *Participant) connectionLost() {
	if p.closing.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c, err := p.deps.Calls.Get(ctx, p.cfg.CallID); err == nil && c.Status.Terminal() {
		p.teardown()
		return
	}
	p.notify(ctx, notify.KindError, "Call connection lost", "The call was disconnected")
	if _, err := p.deps.Calls.Abandon(ctx, p.cfg.CallID, p.cfg.UserID); err != nil {
		p.log.Warn("end after connection loss", "err", err)
	}
	p.teardown()
}

// Hangup ends the call for both parties and releases local resources.
func (p *Participant) Hangup(ctx context.Context) error {
	if !p.isJoined() {
		return ErrNotJoined
	}
	_, err := p.deps.Calls.Abandon(ctx, p.cfg.CallID, p.cfg.UserID)
	if err != nil {
		p.log.Error("hangup failed", "err", err)
		p.notify(ctx, notify.KindError, "Call failed", "Failed to end call")
	}
	p.teardown()
	return err
}

// ToggleVideo turns the camera on or off and reports the new state. Turning it
// on marks the call as having used video.
func (p *Participant) ToggleVideo(ctx context.Context) (bool, error) {
	s := p.currentSession()
	if s == nil {
		return false, ErrNotJoined
	}
	if s.VideoOn() {
		return false, s.StopVideo()
	}
	if err := s.StartVideo(ctx); err != nil {
		p.notify(ctx, notify.KindError, "Camera unavailable", "Could not start video")
		return false, err
	}
	p.markFeature(ctx, calls.FeatureVideo)
	return true, nil
}

// ToggleScreenShare starts or stops sharing the display.
func (p *Participant) ToggleScreenShare(ctx context.Context) (bool, error) {
	s := p.currentSession()
	if s == nil {
		return false, ErrNotJoined
	}
	if s.ScreenShareOn() {
		return false, s.StopScreenShare()
	}
	if err := s.StartScreenShare(ctx); err != nil {
		p.notify(ctx, notify.KindError, "Screen share unavailable", "Could not share screen")
		return false, err
	}
	p.markFeature(ctx, calls.FeatureScreenShare)
	return true, nil
}

func (p *Participant) markFeature(ctx context.Context, f calls.Feature) {
	if _, err := p.deps.Calls.MarkFeature(ctx, p.cfg.CallID, f); err != nil {
		p.log.Warn("feature flag not stored", "feature", string(f), "err", err)
	}
}

// teardown releases the signal feed, the status feed and the media session
// together, then finalizes the recording. Only the first call does anything.
func (p *Participant) teardown() {
	p.tornDown.Do(func() {
		p.closing.Store(true)

		p.mu.Lock()
		sigs, status, session, rec := p.signals, p.status, p.session, p.recorder
		p.mu.Unlock()

		p.cancel()
		if sigs != nil {
			_ = sigs.Close()
		}
		if status != nil {
			_ = status.Close()
		}
		if session != nil {
			if err := session.Close(); err != nil {
				p.log.Warn("close media session", "err", err)
			}
		}
		if rec != nil {
			p.finishRecording(rec)
		}
		p.log.Info("left call")
		close(p.done)
	})
}

func (p *Participant) finishRecording(rec *recording.Sidecar) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UploadTimeout)
	defer cancel()

	url, err := rec.Finish(ctx)
	switch {
	case errors.Is(err, recording.ErrEmptyRecording):
		p.log.Info("no audio recorded")
		return
	case err != nil:
		p.log.Error("recording upload failed", "err", err)
		p.notify(ctx, notify.KindError, "Upload error", "Could not save recording")
		return
	}
	if _, err := p.deps.Calls.AttachVoiceNote(ctx, p.cfg.CallID, url); err != nil {
		if errors.Is(err, calls.ErrVoiceNoteExists) {
			p.log.Info("call already has a recording", "url", url)
			return
		}
		p.log.Error("attach recording failed", "err", err)
		p.notify(ctx, notify.KindError, "Upload error", "Could not save recording")
		return
	}
	p.mu.Lock()
	p.voice = url
	p.mu.Unlock()
	p.notify(ctx, notify.KindSuccess, "Recording saved", "Call recording has been saved")
}

func (p *Participant) notify(ctx context.Context, kind notify.Kind, title, msg string) {
	if p.deps.Notifier == nil {
		return
	}
	n := notify.Notification{Kind: kind, Title: title, Message: msg, CallID: p.cfg.CallID}
	if err := p.deps.Notifier.Notify(ctx, p.cfg.UserID, n); err != nil {
		p.log.Warn("notification failed", "title", title, "err", err)
	}
}

// Done is closed once teardown has finished.
func (p *Participant) Done() <-chan struct{} { return p.done }

// Role is empty until Join has loaded the call.
func (p *Participant) Role() negotiation.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// NegotiationState reports the machine state, idle before Join.
func (p *Participant) NegotiationState() negotiation.State {
	if m := p.currentMachine(); m != nil {
		return m.State()
	}
	return negotiation.StateIdle
}

func (p *Participant) ConnectionState() webrtc.PeerConnectionState {
	if s := p.currentSession(); s != nil {
		return s.State()
	}
	return webrtc.PeerConnectionStateNew
}

// VoiceNoteURL is the uploaded recording, if this participant stored one.
func (p *Participant) VoiceNoteURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice
}

func (p *Participant) isJoined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *Participant) currentMachine() *negotiation.Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine
}

func (p *Participant) currentSession() *media.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}
