package calls

import (
	"context"
	"time"
)

// Repository is the persistence contract for call records.
//
// Transition is the only way to change Status, and it is a conditional update:
// it applies only if the stored status still equals from. Implementations must
// make the check-and-write atomic.
type Repository interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	List(ctx context.Context, f Filter) ([]Call, error)

	// Transition returns *StatusConflictError when the stored status is not from,
	// and ErrNotFound when the call does not exist.
	Transition(ctx context.Context, id string, from Status, u Update) (Call, error)

	// SetFeatures ORs the given flags into the record.
	SetFeatures(ctx context.Context, id string, video, screenShare bool) (Call, error)

	// SetVoiceNote writes url only if none is stored yet; otherwise ErrVoiceNoteExists.
	SetVoiceNote(ctx context.Context, id, url string) (Call, error)
}

// Update carries the fields written together with a status change.
// Zero values leave the stored column untouched.
type Update struct {
	To              Status
	ResponderID     string
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status      Status
	InitiatorID string
	ResponderID string
	// Party matches calls where the user is initiator or responder.
	Party       string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

func (f Filter) matches(c Call) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.InitiatorID != "" && c.InitiatorID != f.InitiatorID {
		return false
	}
	if f.ResponderID != "" && c.ResponderID != f.ResponderID {
		return false
	}
	if f.Party != "" && !c.IsParty(f.Party) {
		return false
	}
	if !f.CreatedFrom.IsZero() && c.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !c.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}

func applyUpdate(c Call, u Update) Call {
	c.Status = u.To
	if u.ResponderID != "" {
		c.ResponderID = u.ResponderID
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		c.StartedAt = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		c.EndedAt = &t
	}
	if u.DurationSeconds != nil {
		d := *u.DurationSeconds
		c.DurationSeconds = &d
	}
	return c
}
