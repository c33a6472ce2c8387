package reporting

import (
	"context"
	"errors"
	"time"

	"campus-calls/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallLister is the read side of the call store. *calls.Service satisfies it.
type CallLister interface {
	List(ctx context.Context, f calls.Filter) ([]calls.Call, error)
}

type Service struct {
	calls CallLister
	clock func() time.Time
}

func NewService(c CallLister) *Service { return &Service{calls: c, clock: time.Now} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return CallsSummary{}, errors.New("reporting: call store not configured")
	}

	rows, err := s.calls.List(ctx, calls.Filter{
		ResponderID: req.ResponderID,
		CreatedFrom: req.Range.From,
		CreatedTo:   req.Range.To,
	})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{
		Range:       req.Range,
		ResponderID: req.ResponderID,
		GeneratedAt: s.clock().UTC(),
		Completed:   []CallRow{},
	}
	for _, c := range rows {
		out.TotalCalls++
		if c.VoiceNoteURL != "" {
			out.RecordedCalls++
		}
		if c.HasVideo {
			out.VideoCalls++
		}
		if c.HasScreenShare {
			out.ScreenShareCalls++
		}
		switch c.Status {
		case calls.StatusPending:
			out.PendingCalls++
		case calls.StatusActive:
			out.ActiveCalls++
		case calls.StatusMissed:
			out.MissedCalls++
		case calls.StatusCompleted:
			out.CompletedCalls++
			if c.DurationSeconds != nil {
				out.TotalDurationSeconds += *c.DurationSeconds
			}
			out.Completed = append(out.Completed, rowFor(c))
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	return out, nil
}

func rowFor(c calls.Call) CallRow {
	r := CallRow{
		CallID:      c.ID,
		CreatedAt:   c.CreatedAt,
		InitiatorID: c.InitiatorID,
		ResponderID: c.ResponderID,
		Title:       c.Title,
		Duration:    "N/A",
		Recording:   c.VoiceNoteURL,
	}
	if c.DurationSeconds != nil {
		r.Duration = calls.FormatDuration(*c.DurationSeconds)
	}
	if c.HasVideo {
		r.Features = append(r.Features, "Video")
	}
	if c.HasScreenShare {
		r.Features = append(r.Features, "Screen Share")
	}
	return r
}
