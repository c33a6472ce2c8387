package dispatch

// Decision is what the engine intends to do with one responder for a new call.
// Reason is for logs only; it is never shown to callers.
type Decision struct {
	CallID      string `json:"call_id"`
	ResponderID string `json:"responder_id"`
	Action      Action `json:"action"`
	Reason      string `json:"reason,omitempty"`
}

type Action string

const (
	ActionRing Action = "ring"
	ActionSkip Action = "skip"
)
