package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"campus-calls/internal/realtime"

	"github.com/google/uuid"
)

// Kind selects how a client presents a notification (tone, styling).
type Kind string

const (
	KindIncomingCall Kind = "incoming_call"
	KindOutgoingCall Kind = "outgoing_call"
	KindCallEnded    Kind = "call_ended"
	KindSuccess      Kind = "success"
	KindError        Kind = "error"
	KindInfo         Kind = "info"
)

// Notification is a user-visible message pushed to one user's clients.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier delivers notifications to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

var (
	ErrClosed      = errors.New("notify: service closed")
	ErrInvalidUser = errors.New("notify: user id required")
)

// Service publishes notifications on each user's realtime topic.
// It is created once at startup and closed on shutdown; after Close every
// Notify call fails with ErrClosed.
type Service struct {
	pub   realtime.Publisher
	log   *slog.Logger
	clock func() time.Time

	mu     sync.RWMutex
	closed bool
}

func NewService(pub realtime.Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{pub: pub, log: log.With("component", "notify"), clock: time.Now}
}

func (s *Service) Notify(ctx context.Context, userID string, n Notification) error {
	if userID == "" {
		return ErrInvalidUser
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	n.UserID = userID
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.clock().UTC()
	}

	s.log.Info("notification", "user_id", userID, "kind", n.Kind, "title", n.Title, "call_id", n.CallID)
	return s.pub.Publish(ctx, realtime.UserTopic(userID), n)
}

func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Recorder is an in-memory Notifier for tests.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(ctx context.Context, userID string, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.UserID = userID
	r.items = append(r.items, n)
	return nil
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// For returns the notifications recorded for userID.
func (r *Recorder) For(userID string) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
