package participant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
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

type fixture struct {
	bus       *realtime.MemoryBus
	svc       *calls.Service
	transport *signaling.Transport
	notes     *notify.Recorder
	blobs     *recording.MemoryStore
	log       *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := realtime.NewMemoryBus()
	notes := &notify.Recorder{}
	svc := calls.NewService(calls.NewMemoryRepo(),
		calls.WithPublisher(bus),
		calls.WithNotifier(notes),
		calls.WithAnswerTimeout(time.Hour),
		calls.WithLogger(log),
	)
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{
		bus:       bus,
		svc:       svc,
		transport: signaling.NewTransport(signaling.NewMemoryStore(), bus, log),
		notes:     notes,
		blobs:     recording.NewMemoryStore(),
		log:       log,
	}
}

func (f *fixture) participant(t *testing.T, callID, userID string, record bool, capt media.Capturer) *Participant {
	t.Helper()
	return f.participantWith(t, Config{CallID: callID, UserID: userID, Record: record}, capt)
}

func (f *fixture) participantWith(t *testing.T, cfg Config, capt media.Capturer) *Participant {
	t.Helper()
	cfg.Media.IncludeLoopback = true
	p := New(cfg, Deps{
		Calls:    f.svc,
		Signals:  f.transport,
		Bus:      f.bus,
		Capturer: capt,
		Notifier: f.notes,
		Blobs:    f.blobs,
		Log:      f.log,
	})
	t.Cleanup(p.teardown)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitDone(t *testing.T, p *Participant) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("participant never tore down")
	}
}

func hasTitle(ns []notify.Notification, title string) bool {
	for _, n := range ns {
		if n.Title == title || n.Message == title {
			return true
		}
	}
	return false
}

// connect runs a call up to a live media connection between alice and bob.
func connect(t *testing.T, f *fixture, recordBob bool) (calls.Call, *Participant, *Participant) {
	t.Helper()
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "alice", "Help with lab 3")
	if err != nil {
		t.Fatal(err)
	}
	alice := f.participant(t, call.ID, "alice", false, media.StaticCapturer{})
	if err := alice.Join(ctx); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if alice.NegotiationState() != negotiation.StateAwaitingCallActive {
		t.Fatalf("alice state = %s", alice.NegotiationState())
	}
	// the caller must not offer while the call is still pending
	time.Sleep(50 * time.Millisecond)
	if hist, _ := f.transport.History(ctx, call.ID); len(hist) != 0 {
		t.Fatalf("signals before accept: %d", len(hist))
	}

	if _, err := f.svc.Accept(ctx, call.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	bob := f.participant(t, call.ID, "bob", recordBob, media.StaticCapturer{})
	if err := bob.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	waitFor(t, "both connected", func() bool {
		return alice.ConnectionState() == webrtc.PeerConnectionStateConnected &&
			bob.ConnectionState() == webrtc.PeerConnectionStateConnected
	})
	if alice.NegotiationState() != negotiation.StateConnected || bob.NegotiationState() != negotiation.StateConnected {
		t.Fatalf("machines = %s/%s", alice.NegotiationState(), bob.NegotiationState())
	}
	return call, alice, bob
}

func TestCallEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, alice, bob := connect(t, f, true)

	hist, err := f.transport.History(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if hist[0].Type != signaling.TypeOffer || hist[0].FromID != "alice" {
		t.Fatalf("first signal = %s from %s, want offer from alice", hist[0].Type, hist[0].FromID)
	}

	on, err := alice.ToggleScreenShare(ctx)
	if err != nil || !on {
		t.Fatalf("screen share on: %v %v", on, err)
	}
	if on, err = alice.ToggleScreenShare(ctx); err != nil || on {
		t.Fatalf("screen share off: %v %v", on, err)
	}
	got, _ := f.svc.Get(ctx, call.ID)
	if !got.HasScreenShare {
		t.Fatal("has_screen_share should stay true after turning sharing off")
	}

	waitFor(t, "some audio recorded", func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		return bob.recorder != nil && bob.recorder.Frames() > 0
	})

	if err := alice.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitDone(t, alice)
	waitDone(t, bob)

	got, _ = f.svc.Get(ctx, call.ID)
	if got.Status != calls.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.VoiceNoteURL == "" || got.VoiceNoteURL != bob.VoiceNoteURL() {
		t.Fatalf("voice note = %q, participant stored %q", got.VoiceNoteURL, bob.VoiceNoteURL())
	}
	if !hasTitle(f.notes.For("bob"), "Recording saved") {
		t.Fatal("bob was not told the recording was saved")
	}
	if hasTitle(f.notes.For("alice"), "Call connection lost") || hasTitle(f.notes.For("bob"), "Call connection lost") {
		t.Fatal("a normal hangup reported a lost connection")
	}
	if alice.ConnectionState() != webrtc.PeerConnectionStateClosed || bob.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Fatal("media sessions left open")
	}

	// teardown twice is harmless
	if err := alice.Hangup(ctx); err != nil {
		t.Fatalf("second hangup: %v", err)
	}
}

// videoCounter counts the remote video tracks a participant receives.
type videoCounter struct{ n atomic.Int32 }

func (v *videoCounter) onTrack(tr *webrtc.TrackRemote) {
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		v.n.Add(1)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := tr.Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestVideoStartedBeforeConnectReachesOtherParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "alice", "Show me the error")
	if err != nil {
		t.Fatal(err)
	}
	var aliceSees videoCounter
	alice := f.participantWith(t, Config{CallID: call.ID, UserID: "alice", OnRemoteTrack: aliceSees.onTrack}, media.StaticCapturer{})
	if err := alice.Join(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Accept(ctx, call.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	bob := f.participant(t, call.ID, "bob", false, media.StaticCapturer{})
	if err := bob.Join(ctx); err != nil {
		t.Fatal(err)
	}
	// camera on before the media connection exists
	if on, err := bob.ToggleVideo(ctx); err != nil || !on {
		t.Fatalf("video on: %v %v", on, err)
	}

	waitFor(t, "both connected", func() bool {
		return alice.ConnectionState() == webrtc.PeerConnectionStateConnected &&
			bob.ConnectionState() == webrtc.PeerConnectionStateConnected
	})
	waitFor(t, "alice receives bob's video", func() bool { return aliceSees.n.Load() > 0 })

	got, _ := f.svc.Get(ctx, call.ID)
	if !got.HasVideo {
		t.Fatal("has_video not recorded")
	}
	if err := bob.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	waitDone(t, alice)
}

func TestRecordingUploadFailureKeepsCallCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.SetErr(errors.New("storage offline"))
	call, _, bob := connect(t, f, true)

	waitFor(t, "some audio recorded", func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		return bob.recorder != nil && bob.recorder.Frames() > 0
	})
	if err := bob.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	waitDone(t, bob)

	got, _ := f.svc.Get(ctx, call.ID)
	if got.Status != calls.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.VoiceNoteURL != "" {
		t.Fatalf("voice note = %q, want empty", got.VoiceNoteURL)
	}
	if !hasTitle(f.notes.For("bob"), "Could not save recording") {
		t.Fatal("bob was not told the upload failed")
	}
}

type noMic struct{ media.StaticCapturer }

func (noMic) Audio(ctx context.Context, _ media.AudioConstraints) (media.AudioSource, error) {
	return nil, media.ErrNoDevice
}

func TestMediaFailureAbandonsCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.svc.Initiate(ctx, "alice", "No microphone")
	if err != nil {
		t.Fatal(err)
	}

	p := f.participant(t, call.ID, "alice", false, noMic{})
	err = p.Join(ctx)
	if !errors.Is(err, media.ErrMediaAcquisition) {
		t.Fatalf("err = %v, want ErrMediaAcquisition", err)
	}
	waitDone(t, p)

	got, _ := f.svc.Get(ctx, call.ID)
	if got.Status != calls.StatusMissed {
		t.Fatalf("status = %s, want missed", got.Status)
	}
	if !hasTitle(f.notes.For("alice"), "Failed to initialize call") {
		t.Fatal("alice was not told setup failed")
	}
	if n := f.bus.Subscribers(realtime.SignalsTopic(call.ID)); n != 0 {
		t.Fatalf("%d signal subscriptions left open", n)
	}
}

func TestJoinRejectsOutsidersAndFinishedCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.svc.Initiate(ctx, "alice", "Question")
	if err != nil {
		t.Fatal(err)
	}

	eve := f.participant(t, call.ID, "eve", false, media.StaticCapturer{})
	if err := eve.Join(ctx); !errors.Is(err, ErrNotParty) {
		t.Fatalf("err = %v, want ErrNotParty", err)
	}

	if _, err := f.svc.MarkMissed(ctx, call.ID, ""); err != nil {
		t.Fatal(err)
	}
	late := f.participant(t, call.ID, "alice", false, media.StaticCapturer{})
	if err := late.Join(ctx); !errors.Is(err, ErrCallOver) {
		t.Fatalf("err = %v, want ErrCallOver", err)
	}
	if err := late.Join(ctx); !errors.Is(err, ErrJoined) {
		t.Fatalf("second join err = %v, want ErrJoined", err)
	}
}

func TestPendingCallEndsWhenMissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.svc.Initiate(ctx, "alice", "Anyone there?")
	if err != nil {
		t.Fatal(err)
	}
	alice := f.participant(t, call.ID, "alice", false, media.StaticCapturer{})
	if err := alice.Join(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.MarkMissed(ctx, call.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, alice)
	if alice.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Fatal("session left open after the call was missed")
	}
}

func TestHangupBeforeJoin(t *testing.T) {
	f := newFixture(t)
	p := f.participant(t, "c", "alice", false, media.StaticCapturer{})
	if err := p.Hangup(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err = %v", err)
	}
	if _, err := p.ToggleVideo(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err = %v", err)
	}
}
