package audit

import "time"

// Event is an immutable, append-only record of something that happened to a call.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id and type are required.
// - actor and ip capture are best-effort; call flows never block on audit failures.
type Event struct {
	ID     string    `json:"id" db:"id"`
	CallID string    `json:"call_id" db:"call_id"`
	Type   EventType `json:"type" db:"type"`

	// ActorID is the user causing the event; empty for system actions such as the answer timeout.
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`
	// IPAddress is the resolved client IP when the change came through the API.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCreated   EventType = "call_created"
	EventTypeAccepted  EventType = "call_accepted"
	EventTypeEnded     EventType = "call_ended"
	EventTypeMissed    EventType = "call_missed"
	EventTypeFeature   EventType = "feature_used"
	EventTypeVoiceNote EventType = "voice_note_attached"
)
