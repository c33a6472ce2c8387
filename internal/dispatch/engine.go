// Package dispatch decides which responders ring for a new call and tracks
// who is busy.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"campus-calls/internal/calls"
	"campus-calls/internal/notify"
)

// Engine rings available responders when a call is created and keeps busy
// state in step with call status. It is a calls.Observer.
//
// Priority for each known responder:
//  1. the caller never rings themselves
//  2. do-not-disturb skips
//  3. busy (already in an active call) skips
type Engine struct {
	settings SettingsStore
	busy     BusyTracker
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time

	// registered remembers responders already written by Register.
	registered sync.Map
}

func NewEngine(settings SettingsStore, busy BusyTracker, n notify.Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{settings: settings, busy: busy, notifier: n, log: log.With("component", "dispatch"), now: time.Now}
}

// Route returns a decision per known responder. No side effects.
func (e *Engine) Route(ctx context.Context, c calls.Call) ([]Decision, error) {
	if c.ID == "" {
		return nil, errors.New("dispatch: call id required")
	}
	all, err := e.settings.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(all))
	for _, s := range all {
		d := Decision{CallID: c.ID, ResponderID: s.ResponderID, Action: ActionRing}
		switch {
		case s.ResponderID == c.InitiatorID:
			d.Action, d.Reason = ActionSkip, "initiator"
		case s.DNDMode:
			d.Action, d.Reason = ActionSkip, "dnd"
		default:
			busy, err := e.busy.Busy(ctx, s.ResponderID)
			if err != nil {
				return nil, err
			}
			if busy {
				d.Action, d.Reason = ActionSkip, "busy"
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// SetDND updates a responder's do-not-disturb flag, registering them if new.
func (e *Engine) SetDND(ctx context.Context, responderID string, on bool) (Settings, error) {
	if responderID == "" {
		return Settings{}, ErrUnknownResponder
	}
	s := Settings{ResponderID: responderID, DNDMode: on, UpdatedAt: e.now().UTC()}
	if err := e.settings.Put(ctx, s); err != nil {
		return Settings{}, err
	}
	e.registered.Store(responderID, struct{}{})
	e.log.Info("responder settings updated", "responder_id", responderID, "dnd_mode", on)
	return s, nil
}

// Register makes a responder known to Route with default settings. Existing
// settings are left alone; repeat calls for the same responder are free.
func (e *Engine) Register(ctx context.Context, responderID string) error {
	if responderID == "" {
		return ErrUnknownResponder
	}
	if _, ok := e.registered.Load(responderID); ok {
		return nil
	}
	if err := e.settings.Register(ctx, Settings{ResponderID: responderID, UpdatedAt: e.now().UTC()}); err != nil {
		return err
	}
	e.registered.Store(responderID, struct{}{})
	e.log.Debug("responder registered", "responder_id", responderID)
	return nil
}

// Settings returns a responder's settings; unknown responders get the defaults.
func (e *Engine) Settings(ctx context.Context, responderID string) (Settings, error) {
	s, err := e.settings.Get(ctx, responderID)
	if errors.Is(err, ErrUnknownResponder) {
		return Settings{ResponderID: responderID}, nil
	}
	return s, err
}

func (e *Engine) CallTransitioned(ctx context.Context, t calls.Transition) {
	switch {
	case t.Created():
		e.ring(ctx, t.After)
	case t.Before.Status == calls.StatusPending && t.After.Status == calls.StatusActive:
		ok, err := e.busy.Acquire(ctx, t.After.ResponderID, t.After.ID)
		if err != nil {
			e.log.Error("mark responder busy failed", "call_id", t.After.ID, "responder_id", t.After.ResponderID, "err", err)
		} else if !ok {
			e.log.Warn("responder already busy", "call_id", t.After.ID, "responder_id", t.After.ResponderID)
		}
	case t.Before.Status == calls.StatusActive && t.After.Status.Terminal():
		if err := e.busy.Release(ctx, t.After.ResponderID, t.After.ID); err != nil {
			e.log.Error("release responder failed", "call_id", t.After.ID, "responder_id", t.After.ResponderID, "err", err)
		}
	}
}

func (e *Engine) ring(ctx context.Context, c calls.Call) {
	decisions, err := e.Route(ctx, c)
	if err != nil {
		e.log.Error("route call failed", "call_id", c.ID, "err", err)
		return
	}
	rung := 0
	for _, d := range decisions {
		if d.Action != ActionRing {
			e.log.Debug("responder skipped", "call_id", c.ID, "responder_id", d.ResponderID, "reason", d.Reason)
			continue
		}
		if e.notifier == nil {
			continue
		}
		err := e.notifier.Notify(ctx, d.ResponderID, notify.Notification{
			Kind:    notify.KindIncomingCall,
			Title:   "Incoming call",
			Message: c.Title,
			CallID:  c.ID,
		})
		if err != nil {
			e.log.Warn("ring failed", "call_id", c.ID, "responder_id", d.ResponderID, "err", err)
			continue
		}
		rung++
	}
	e.log.Info("call dispatched", "call_id", c.ID, "responders", len(decisions), "rung", rung)
}
