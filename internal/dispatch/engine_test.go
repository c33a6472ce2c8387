package dispatch

import (
	"context"
	"testing"
	"time"

	"campus-calls/internal/calls"
	"campus-calls/internal/notify"
)

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func newCallService(e *Engine) *calls.Service {
	return calls.NewService(calls.NewMemoryRepo(),
		calls.WithObservers(e),
		calls.WithAfterFunc(func(time.Duration, func()) calls.Timer { return noopTimer{} }),
	)
}

func TestRouteSkipsDNDBusyAndCaller(t *testing.T) {
	ctx := context.Background()
	settings := NewMemorySettings()
	busy := NewMemoryBusy()
	e := NewEngine(settings, busy, nil, nil)

	for _, s := range []Settings{
		{ResponderID: "admin-a"},
		{ResponderID: "admin-b", DNDMode: true},
		{ResponderID: "admin-c"},
		{ResponderID: "student-1"},
	} {
		if err := settings.Put(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := busy.Acquire(ctx, "admin-c", "call-x"); err != nil {
		t.Fatal(err)
	}

	got, err := e.Route(ctx, calls.Call{ID: "c1", InitiatorID: "student-1"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"admin-a": "", "admin-b": "dnd", "admin-c": "busy", "student-1": "initiator"}
	if len(got) != len(want) {
		t.Fatalf("decisions = %+v", got)
	}
	for _, d := range got {
		reason, ok := want[d.ResponderID]
		if !ok {
			t.Fatalf("unexpected responder %s", d.ResponderID)
		}
		if d.Reason != reason {
			t.Errorf("%s: reason = %q, want %q", d.ResponderID, d.Reason, reason)
		}
		if (reason == "") != (d.Action == ActionRing) {
			t.Errorf("%s: action = %s", d.ResponderID, d.Action)
		}
	}
}

func TestEngineRingsAndTracksBusy(t *testing.T) {
	ctx := context.Background()
	notes := &notify.Recorder{}
	busy := NewMemoryBusy()
	e := NewEngine(NewMemorySettings(), busy, notes, nil)
	if _, err := e.SetDND(ctx, "admin-a", false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetDND(ctx, "admin-b", true); err != nil {
		t.Fatal(err)
	}
	svc := newCallService(e)

	c, err := svc.Initiate(ctx, "student", "Wifi down")
	if err != nil {
		t.Fatal(err)
	}
	rings := notes.For("admin-a")
	if len(rings) != 1 || rings[0].Kind != notify.KindIncomingCall || rings[0].CallID != c.ID {
		t.Fatalf("admin-a notifications = %+v", rings)
	}
	if len(notes.For("admin-b")) != 0 {
		t.Fatal("dnd responder was rung")
	}

	if _, err := svc.Accept(ctx, c.ID, "admin-a"); err != nil {
		t.Fatal(err)
	}
	if b, _ := busy.Busy(ctx, "admin-a"); !b {
		t.Fatal("responder should be busy during the call")
	}

	// a second call does not ring the busy responder
	if _, err := svc.Initiate(ctx, "student-2", "Projector"); err != nil {
		t.Fatal(err)
	}
	if len(notes.For("admin-a")) != 1 {
		t.Fatal("busy responder was rung")
	}

	if _, err := svc.End(ctx, c.ID, "student"); err != nil {
		t.Fatal(err)
	}
	if b, _ := busy.Busy(ctx, "admin-a"); b {
		t.Fatal("responder should be free after the call")
	}
}

func TestSettingsDefaultsForUnknownResponder(t *testing.T) {
	e := NewEngine(NewMemorySettings(), NewMemoryBusy(), nil, nil)
	s, err := e.Settings(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if s.ResponderID != "nobody" || s.DNDMode {
		t.Fatalf("settings = %+v", s)
	}
}

func TestMemoryBusy_ReleaseByOtherCallKeepsSlot(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBusy()
	if ok, _ := b.Acquire(ctx, "admin-a", "call-1"); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := b.Acquire(ctx, "admin-a", "call-1"); !ok {
		t.Fatal("re-acquire by holder failed")
	}
	if ok, _ := b.Acquire(ctx, "admin-a", "call-2"); ok {
		t.Fatal("second call took a held responder")
	}
	_ = b.Release(ctx, "admin-a", "call-2")
	if busy, _ := b.Busy(ctx, "admin-a"); !busy {
		t.Fatal("stale release freed the slot")
	}
	_ = b.Release(ctx, "admin-a", "call-1")
	if busy, _ := b.Busy(ctx, "admin-a"); busy {
		t.Fatal("holder release did not free the slot")
	}
}

func TestRegisterMakesResponderRingableAndKeepsDND(t *testing.T) {
	ctx := context.Background()
	notes := &notify.Recorder{}
	e := NewEngine(NewMemorySettings(), NewMemoryBusy(), notes, nil)
	svc := newCallService(e)

	if err := e.Register(ctx, "admin-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetDND(ctx, "admin-b", true); err != nil {
		t.Fatal(err)
	}
	// registering again must not clear a saved preference
	if err := e.Register(ctx, "admin-b"); err != nil {
		t.Fatal(err)
	}
	if s, _ := e.Settings(ctx, "admin-b"); !s.DNDMode {
		t.Fatal("register overwrote dnd")
	}

	if _, err := svc.Initiate(ctx, "student", "Cannot log in"); err != nil {
		t.Fatal(err)
	}
	if len(notes.For("admin-a")) != 1 {
		t.Fatalf("registered responder not rung: %+v", notes.For("admin-a"))
	}
	if len(notes.For("admin-b")) != 0 {
		t.Fatal("dnd responder was rung")
	}
	if err := e.Register(ctx, ""); err == nil {
		t.Fatal("empty responder id accepted")
	}
}
