package calls

import "time"

// Call is the persisted record of one call attempt between an initiator and a responder.
//
// Invariants:
// - Status only moves forward: pending -> active -> completed, or pending -> missed.
// - StartedAt is set exactly once, on pending -> active.
// - EndedAt and DurationSeconds are set exactly once, on entering completed.
// - HasVideo and HasScreenShare are sticky; they never go back to false.
// - VoiceNoteURL is written at most once.
type Call struct {
	ID          string `json:"id" db:"id"`
	InitiatorID string `json:"initiator_id" db:"initiator_id"`
	// ResponderID is empty until a responder accepts.
	ResponderID string `json:"responder_id,omitempty" db:"responder_id"`
	Title       string `json:"title" db:"title"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is whole seconds between StartedAt and EndedAt; nil unless completed.
	DurationSeconds *int `json:"duration" db:"duration"`

	HasVideo       bool `json:"has_video" db:"has_video"`
	HasScreenShare bool `json:"has_screen_share" db:"has_screen_share"`

	VoiceNoteURL string `json:"voice_note_url,omitempty" db:"voice_note_url"`
}

// IsParty reports whether userID is the initiator or the accepted responder.
func (c Call) IsParty(userID string) bool {
	return userID != "" && (userID == c.InitiatorID || userID == c.ResponderID)
}

// Counterpart returns the other party of the call for userID, or "" when unknown.
func (c Call) Counterpart(userID string) string {
	switch userID {
	case c.InitiatorID:
		return c.ResponderID
	case c.ResponderID:
		return c.InitiatorID
	}
	return ""
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusMissed:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusMissed
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusMissed
	case StatusActive:
		return to == StatusCompleted
	}
	return false
}

// Feature names a media feature whose use is recorded on the call.
type Feature string

const (
	FeatureVideo       Feature = "video"
	FeatureScreenShare Feature = "screen_share"
)

func (f Feature) Valid() bool { return f == FeatureVideo || f == FeatureScreenShare }

// EventType tags change-feed payloads.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event is what subscribers of the call change feed receive.
type Event struct {
	Type EventType `json:"type"`
	Call Call      `json:"call"`
}

// Transition describes one applied status change, handed to observers.
type Transition struct {
	Before Call
	After  Call
	// Actor is the user who caused the change; empty for system timeouts.
	Actor string
	// Reason is a short machine label ("accepted", "ended", "declined", "timeout", ...).
	Reason string
}

// Created reports whether the transition is the creation of the record.
func (t Transition) Created() bool { return t.Before.ID == "" }
