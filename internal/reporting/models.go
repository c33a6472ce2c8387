package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for call metrics over a creation-time range,
// optionally narrowed to one responder.
type CallsSummaryRequest struct {
	Range       TimeRange `json:"range"`
	ResponderID string    `json:"responder_id,omitempty"`
}

type CallsSummary struct {
	Range       TimeRange `json:"range"`
	ResponderID string    `json:"responder_id,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`

	TotalCalls     int `json:"total_calls"`
	PendingCalls   int `json:"pending_calls"`
	ActiveCalls    int `json:"active_calls"`
	CompletedCalls int `json:"completed_calls"`
	MissedCalls    int `json:"missed_calls"`

	// Durations cover completed calls only.
	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls    int `json:"recorded_calls"`
	VideoCalls       int `json:"video_calls"`
	ScreenShareCalls int `json:"screen_share_calls"`

	Completed []CallRow `json:"completed"`
}

// CallRow is one completed call as it appears in the downloadable report.
type CallRow struct {
	CallID      string    `json:"call_id"`
	CreatedAt   time.Time `json:"created_at"`
	InitiatorID string    `json:"initiator_id"`
	ResponderID string    `json:"responder_id"`
	Title       string    `json:"title"`
	Duration    string    `json:"duration"`
	Features    []string  `json:"features,omitempty"`
	Recording   string    `json:"recording,omitempty"`
}
