package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"campus-calls/internal/calls"
)

// Repository is the persistence contract for audit events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service records the call audit trail.
//
// Audit is internal: records are readable by admins only, and callers treat
// writes as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: log.With("component", "audit")}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) Trail(ctx context.Context, callID string) ([]Event, error) {
	if callID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListByCall(ctx, callID)
}

// CallTransitioned records every applied call change. It satisfies calls.Observer.
func (s *Service) CallTransitioned(ctx context.Context, t calls.Transition) {
	e := Event{
		CallID:   t.After.ID,
		Type:     eventTypeFor(t),
		ActorID:  t.Actor,
		ToStatus: string(t.After.Status),
		Message:  t.Reason,
	}
	if !t.Created() {
		e.FromStatus = string(t.Before.Status)
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Error("audit append failed", "call_id", e.CallID, "type", e.Type, "err", err)
	}
}

func eventTypeFor(t calls.Transition) EventType {
	if t.Created() {
		return EventTypeCreated
	}
	if t.Before.Status != t.After.Status {
		switch t.After.Status {
		case calls.StatusActive:
			return EventTypeAccepted
		case calls.StatusCompleted:
			return EventTypeEnded
		case calls.StatusMissed:
			return EventTypeMissed
		}
	}
	if t.After.VoiceNoteURL != "" && t.Before.VoiceNoteURL == "" {
		return EventTypeVoiceNote
	}
	return EventTypeFeature
}
