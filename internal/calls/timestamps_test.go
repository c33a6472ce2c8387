package calls

import (
	"testing"
	"time"
)

func TestComputeDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if d := ComputeDuration(nil, start); d != nil {
		t.Fatalf("expected nil for never-started call, got %d", *d)
	}

	cases := []struct {
		name string
		end  time.Time
		want int
	}{
		{"exact minute", start.Add(60 * time.Second), 60},
		{"truncates fraction", start.Add(59*time.Second + 900*time.Millisecond), 59},
		{"clock skew", start.Add(-2 * time.Second), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeDuration(&start, tc.end)
			if got == nil || *got != tc.want {
				t.Fatalf("expected %d, got %v", tc.want, got)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{0: "0m 0s", 65: "1m 5s", 600: "10m 0s", -3: "0m 0s"}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestElapsedAndWaitTime(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(5 * time.Second)
	c := Call{Status: StatusActive, CreatedAt: created, StartedAt: &started}

	now := started.Add(42*time.Second + 300*time.Millisecond)
	if got := Elapsed(c, now); got != 42*time.Second {
		t.Fatalf("elapsed = %s", got)
	}
	if got := WaitTime(c, now); got != 5*time.Second {
		t.Fatalf("wait = %s", got)
	}

	pending := Call{Status: StatusPending, CreatedAt: created}
	if got := Elapsed(pending, now); got != 0 {
		t.Fatalf("pending elapsed = %s", got)
	}
	if got := WaitTime(pending, created.Add(9*time.Second)); got != 9*time.Second {
		t.Fatalf("pending wait = %s", got)
	}

	d := 61
	done := Call{Status: StatusCompleted, DurationSeconds: &d}
	if got := Elapsed(done, now); got != 61*time.Second {
		t.Fatalf("completed elapsed = %s", got)
	}
}

func TestCanTransition_OnlyForward(t *testing.T) {
	all := []Status{StatusPending, StatusActive, StatusCompleted, StatusMissed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusActive}:   true,
		{StatusPending, StatusMissed}:   true,
		{StatusActive, StatusCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}
