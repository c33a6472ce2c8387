package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"campus-calls/internal/notify"
	"campus-calls/internal/realtime"

	"github.com/google/uuid"
)

// Observer is told about every applied change to a call record.
// Observers run synchronously after the write; they must not block for long
// and must handle their own errors.
type Observer interface {
	CallTransitioned(ctx context.Context, t Transition)
}

// Timer is the part of *time.Timer the service needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. f must run on its own goroutine, as time.AfterFunc does.
type AfterFunc func(d time.Duration, f func()) Timer

// Service is the call lifecycle controller: it owns status transitions,
// the answer timeout, and the change feed for call records.
type Service struct {
	repo      Repository
	pub       realtime.Publisher
	notifier  notify.Notifier
	observers []Observer

	clock         func() time.Time
	afterFunc     AfterFunc
	answerTimeout time.Duration
	titleMax      int
	log           *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	timers map[string]Timer
	closed bool
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithAfterFunc(f AfterFunc) Option { return func(s *Service) { s.afterFunc = f } }

func WithAnswerTimeout(d time.Duration) Option { return func(s *Service) { s.answerTimeout = d } }

func WithTitleMaxLen(n int) Option { return func(s *Service) { s.titleMax = n } }

func WithPublisher(p realtime.Publisher) Option { return func(s *Service) { s.pub = p } }

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithObservers(obs ...Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, obs...) }
}

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		clock:         time.Now,
		answerTimeout: 15 * time.Second,
		titleMax:      100,
		timers:        map[string]Timer{},
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "calls")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// Initiate creates a pending call and starts its answer timeout.
func (s *Service) Initiate(ctx context.Context, initiatorID, title string) (Call, error) {
	title = strings.TrimSpace(title)
	if initiatorID == "" {
		return Call{}, fmt.Errorf("%w: initiator required", ErrInvalidArgument)
	}
	if title == "" {
		return Call{}, fmt.Errorf("%w: title required", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(title) > s.titleMax {
		return Call{}, fmt.Errorf("%w: title longer than %d characters", ErrInvalidArgument, s.titleMax)
	}

	c := Call{
		ID:          uuid.NewString(),
		InitiatorID: initiatorID,
		Title:       title,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}
	s.scheduleTimeout(c.ID, s.answerTimeout)

	s.log.Info("call initiated", "call_id", c.ID, "initiator_id", initiatorID)
	s.emit(ctx, Transition{After: c, Actor: initiatorID, Reason: "initiated"})
	s.notify(ctx, initiatorID, notify.Notification{
		Kind:   notify.KindOutgoingCall,
		Title:  "Calling",
		CallID: c.ID,
	})
	return c, nil
}

// Accept moves a pending call to active for responderID.
// A responder that loses the race gets ErrAlreadyAnswered.
func (s *Service) Accept(ctx context.Context, callID, responderID string) (Call, error) {
	if callID == "" || responderID == "" {
		return Call{}, ErrInvalidArgument
	}
	before, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if before.InitiatorID == responderID {
		return Call{}, fmt.Errorf("%w: cannot answer your own call", ErrInvalidArgument)
	}

	now := s.now()
	after, err := s.repo.Transition(ctx, callID, StatusPending, Update{
		To:          StatusActive,
		ResponderID: responderID,
		StartedAt:   &now,
	})
	if err != nil {
		if cur, ok := IsStatusConflict(err); ok {
			if cur == StatusActive || cur == StatusCompleted {
				s.log.Warn("accept lost race", "call_id", callID, "responder_id", responderID, "status", cur)
				return Call{}, ErrAlreadyAnswered
			}
			return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidTransition, cur)
		}
		return Call{}, err
	}
	s.cancelTimeout(callID)

	s.log.Info("call accepted", "call_id", callID, "responder_id", responderID)
	s.emit(ctx, Transition{Before: before, After: after, Actor: responderID, Reason: "accepted"})
	return after, nil
}

// End completes an active call and stores its duration. Either party may end it.
func (s *Service) End(ctx context.Context, callID, actorID string) (Call, error) {
	before, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if actorID != "" && !before.IsParty(actorID) {
		return Call{}, ErrForbidden
	}
	if before.Status != StatusActive {
		return Call{}, fmt.Errorf("%w: cannot end a %s call", ErrInvalidTransition, before.Status)
	}

	now := s.now()
	after, err := s.repo.Transition(ctx, callID, StatusActive, Update{
		To:              StatusCompleted,
		EndedAt:         &now,
		DurationSeconds: ComputeDuration(before.StartedAt, now),
	})
	if err != nil {
		if cur, ok := IsStatusConflict(err); ok {
			return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidTransition, cur)
		}
		return Call{}, err
	}

	s.log.Info("call ended", "call_id", callID, "actor_id", actorID, "duration", *after.DurationSeconds)
	s.emit(ctx, Transition{Before: before, After: after, Actor: actorID, Reason: "ended"})
	for _, uid := range []string{after.InitiatorID, after.ResponderID} {
		s.notify(ctx, uid, notify.Notification{
			Kind:    notify.KindCallEnded,
			Title:   "Call ended",
			Message: "Duration " + FormatDuration(*after.DurationSeconds),
			CallID:  callID,
		})
	}
	return after, nil
}

// MarkMissed moves a pending call to missed; used when a responder declines.
// It fails with ErrInvalidTransition once the call has left pending.
func (s *Service) MarkMissed(ctx context.Context, callID, actorID string) (Call, error) {
	before, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	return s.markMissed(ctx, before, actorID, "declined")
}

// Abandon resolves a call a party can no longer take part in: a pending call
// becomes missed and an active call completes. Terminal calls are left as they are.
func (s *Service) Abandon(ctx context.Context, callID, actorID string) (Call, error) {
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if actorID != "" && !c.IsParty(actorID) {
		return Call{}, ErrForbidden
	}
	switch c.Status {
	case StatusPending:
		return s.markMissed(ctx, c, actorID, "abandoned")
	case StatusActive:
		return s.End(ctx, callID, actorID)
	}
	return c, nil
}

func (s *Service) markMissed(ctx context.Context, before Call, actorID, reason string) (Call, error) {
	if before.Status != StatusPending {
		return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidTransition, before.Status)
	}
	now := s.now()
	after, err := s.repo.Transition(ctx, before.ID, StatusPending, Update{
		To:      StatusMissed,
		EndedAt: &now,
	})
	if err != nil {
		if cur, ok := IsStatusConflict(err); ok {
			return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidTransition, cur)
		}
		return Call{}, err
	}
	s.cancelTimeout(before.ID)

	s.log.Info("call missed", "call_id", before.ID, "actor_id", actorID, "reason", reason)
	s.emit(ctx, Transition{Before: before, After: after, Actor: actorID, Reason: reason})
	return after, nil
}

// MarkFeature records that video or screen sharing was used. Flags are sticky.
func (s *Service) MarkFeature(ctx context.Context, callID string, f Feature) (Call, error) {
	if !f.Valid() {
		return Call{}, fmt.Errorf("%w: unknown feature %q", ErrInvalidArgument, f)
	}
	before, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if before.Status != StatusActive {
		return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidTransition, before.Status)
	}
	if (f == FeatureVideo && before.HasVideo) || (f == FeatureScreenShare && before.HasScreenShare) {
		return before, nil
	}
	after, err := s.repo.SetFeatures(ctx, callID, f == FeatureVideo, f == FeatureScreenShare)
	if err != nil {
		return Call{}, err
	}
	s.emit(ctx, Transition{Before: before, After: after, Reason: "feature:" + string(f)})
	return after, nil
}

// AttachVoiceNote stores the recording URL for a call. It can be set once.
func (s *Service) AttachVoiceNote(ctx context.Context, callID, url string) (Call, error) {
	if strings.TrimSpace(url) == "" {
		return Call{}, fmt.Errorf("%w: url required", ErrInvalidArgument)
	}
	before, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	after, err := s.repo.SetVoiceNote(ctx, callID, url)
	if err != nil {
		return Call{}, err
	}
	s.emit(ctx, Transition{Before: before, After: after, Reason: "voice_note"})
	return after, nil
}

func (s *Service) Get(ctx context.Context, callID string) (Call, error) {
	return s.repo.Get(ctx, callID)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Call, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, f.Status)
	}
	return s.repo.List(ctx, f)
}

// ResumePending re-arms answer timeouts after a restart. Calls already past
// their deadline are resolved immediately. It returns how many calls were marked missed.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.repo.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		return 0, err
	}
	now := s.now()
	missed := 0
	for _, c := range pending {
		remaining := AnswerDeadline(c.CreatedAt, s.answerTimeout).Sub(now)
		if remaining > 0 {
			s.scheduleTimeout(c.ID, remaining)
			continue
		}
		if s.resolveTimeout(ctx, c.ID) {
			missed++
		}
	}
	if len(pending) > 0 {
		s.log.Info("resumed pending calls", "pending", len(pending), "missed", missed)
	}
	return missed, nil
}

// Close stops every outstanding timeout. In-flight timeout handlers are cancelled.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

// PendingTimeouts reports how many answer timeouts are armed.
func (s *Service) PendingTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Service) scheduleTimeout(callID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[callID]; ok {
		return
	}
	s.timers[callID] = s.afterFunc(d, func() { s.fire(callID) })
}

func (s *Service) cancelTimeout(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

func (s *Service) fire(callID string) {
	s.mu.Lock()
	_, armed := s.timers[callID]
	delete(s.timers, callID)
	closed := s.closed
	s.mu.Unlock()
	if !armed || closed {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	s.resolveTimeout(ctx, callID)
}

// resolveTimeout re-reads the call and, if it is still pending, marks it missed.
// Only the caller whose conditional update wins notifies the initiator.
func (s *Service) resolveTimeout(ctx context.Context, callID string) bool {
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		s.log.Error("timeout lookup failed", "call_id", callID, "err", err)
		return false
	}
	if c.Status != StatusPending {
		return false
	}
	if _, err := s.markMissed(ctx, c, "", "timeout"); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.log.Info("timeout lost race", "call_id", callID, "err", err)
			return false
		}
		s.log.Error("timeout transition failed", "call_id", callID, "err", err)
		return false
	}
	s.notify(ctx, c.InitiatorID, notify.Notification{
		Kind:    notify.KindInfo,
		Title:   "Call not answered",
		Message: "Call not answered - marked as missed",
		CallID:  callID,
	})
	return true
}

func (s *Service) emit(ctx context.Context, t Transition) {
	evType := EventUpdated
	if t.Created() {
		evType = EventCreated
	}
	if s.pub != nil {
		ev := Event{Type: evType, Call: t.After}
		for _, topic := range []string{realtime.CallTopic(t.After.ID), realtime.CallsTopic} {
			if err := s.pub.Publish(ctx, topic, ev); err != nil {
				s.log.Error("publish call change failed", "call_id", t.After.ID, "topic", topic, "err", err)
			}
		}
	}
	for _, o := range s.observers {
		o.CallTransitioned(ctx, t)
	}
}

func (s *Service) notify(ctx context.Context, userID string, n notify.Notification) {
	if s.notifier == nil || userID == "" {
		return
	}
	if err := s.notifier.Notify(ctx, userID, n); err != nil {
		s.log.Warn("notification failed", "user_id", userID, "kind", n.Kind, "err", err)
	}
}
