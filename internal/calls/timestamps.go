package calls

import (
	"fmt"
	"time"
)

// ComputeDuration returns whole seconds between startedAt and endedAt, truncated.
// A call that never started has no duration. Clock skew never yields a negative value.
func ComputeDuration(startedAt *time.Time, endedAt time.Time) *int {
	if startedAt == nil {
		return nil
	}
	d := endedAt.Sub(*startedAt)
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return &secs
}

// FormatDuration renders seconds as "Xm Ys".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}

// Elapsed is how long an active call has been running at now.
// Completed calls report their final duration; other statuses report zero.
func Elapsed(c Call, now time.Time) time.Duration {
	switch c.Status {
	case StatusActive:
		if c.StartedAt == nil || now.Before(*c.StartedAt) {
			return 0
		}
		return now.Sub(*c.StartedAt).Truncate(time.Second)
	case StatusCompleted:
		if c.DurationSeconds != nil {
			return time.Duration(*c.DurationSeconds) * time.Second
		}
	}
	return 0
}

// WaitTime is how long a call has been (or was) waiting for an answer.
func WaitTime(c Call, now time.Time) time.Duration {
	end := now
	switch {
	case c.StartedAt != nil:
		end = *c.StartedAt
	case c.EndedAt != nil:
		end = *c.EndedAt
	}
	if end.Before(c.CreatedAt) {
		return 0
	}
	return end.Sub(c.CreatedAt).Truncate(time.Second)
}

// AnswerDeadline is when a pending call created at createdAt times out.
func AnswerDeadline(createdAt time.Time, timeout time.Duration) time.Time {
	return createdAt.Add(timeout)
}
