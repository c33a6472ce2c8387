// Package negotiation sequences the offer/answer/ICE exchange for one side of
// one call. Roles are fixed by the call: the caller always offers, the
// responder always answers.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"campus-calls/internal/signaling"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type State string

const (
	StateIdle               State = "idle"
	StateAwaitingCallActive State = "awaiting-call-active"
	StateOfferSent          State = "offer-sent"
	StateAwaitingAnswer     State = "awaiting-answer"
	StateAwaitingOffer      State = "awaiting-offer"
	StateAnswerSent         State = "answer-sent"
	StateConnected          State = "connected"
	StateFailed             State = "failed"
)

var (
	ErrUnexpectedSignal = errors.New("negotiation: unexpected signal")
	ErrFailed           = errors.New("negotiation: machine failed")
	ErrInvalidConfig    = errors.New("negotiation: invalid config")
)

// Peer is the part of a media session the machine drives.
type Peer interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// RollbackOffer withdraws an unanswered local offer.
	RollbackOffer() error
}

// Sender delivers a signal to the other party. *signaling.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, callID, fromID, toID string, typ signaling.Type, payload any) (signaling.Message, error)
}

type Config struct {
	CallID string
	Self   string
	Role   Role
	// Remote is the other party. The responder knows the caller up front; the
	// caller learns the responder from CallActive.
	Remote string
}

type Machine struct {
	cfg  Config
	peer Peer
	out  Sender
	log  *slog.Logger

	mu            sync.Mutex
	state         State
	remote        string
	renegotiating bool
	// pending is set when local tracks changed while an offer could not go
	// out; FlushPending sends it once the connection is up and stable.
	pending bool
}

func New(cfg Config, peer Peer, out Sender, log *slog.Logger) (*Machine, error) {
	if cfg.CallID == "" || cfg.Self == "" {
		return nil, fmt.Errorf("%w: call id and self are required", ErrInvalidConfig)
	}
	if cfg.Role != RoleInitiator && cfg.Role != RoleResponder {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidConfig, cfg.Role)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cfg:    cfg,
		peer:   peer,
		out:    out,
		log:    log.With("component", "negotiation", "call_id", cfg.CallID, "role", string(cfg.Role)),
		state:  StateIdle,
		remote: cfg.Remote,
	}, nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start leaves idle: the caller waits for the call to go active, the responder
// waits for an offer.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return
	}
	if m.cfg.Role == RoleInitiator {
		m.setLocked(StateAwaitingCallActive)
	} else {
		m.setLocked(StateAwaitingOffer)
	}
}

// CallActive tells the caller the responder picked up. The offer goes out
// exactly once; later calls are no-ops.
func (m *Machine) CallActive(ctx context.Context, responderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Role != RoleInitiator || m.state != StateAwaitingCallActive {
		return nil
	}
	if responderID == "" {
		return fmt.Errorf("%w: empty responder", ErrInvalidConfig)
	}
	m.remote = responderID

	offer, err := m.peer.CreateOffer(ctx)
	if err != nil {
		return m.failLocked(fmt.Errorf("create offer: %w", err))
	}
	m.setLocked(StateOfferSent)
	if _, err := m.out.Send(ctx, m.cfg.CallID, m.cfg.Self, m.remote, signaling.TypeOffer, offer); err != nil {
		return m.failLocked(fmt.Errorf("send offer: %w", err))
	}
	m.setLocked(StateAwaitingAnswer)
	return nil
}

// HandleSignal applies one message from the other party.
func (m *Machine) HandleSignal(ctx context.Context, msg signaling.Message) error {
	if msg.FromID == m.cfg.Self {
		return nil
	}
	if msg.Type == signaling.TypeICECandidate {
		return m.handleCandidate(msg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return ErrFailed
	}
	switch msg.Type {
	case signaling.TypeOffer:
		return m.handleOfferLocked(ctx, msg)
	case signaling.TypeAnswer:
		return m.handleAnswerLocked(msg)
	}
	return fmt.Errorf("%w: type %q", ErrUnexpectedSignal, msg.Type)
}

func (m *Machine) handleOfferLocked(ctx context.Context, msg signaling.Message) error {
	initial := m.cfg.Role == RoleResponder && m.state == StateAwaitingOffer
	if !initial && m.state != StateConnected {
		return fmt.Errorf("%w: offer in %s", ErrUnexpectedSignal, m.state)
	}
	var offer webrtc.SessionDescription
	if err := msg.Decode(&offer); err != nil {
		return fmt.Errorf("%w: offer: %v", signaling.ErrInvalidSignal, err)
	}
	if m.remote == "" {
		m.remote = msg.FromID
	}

	// Both sides renegotiated at once. The caller's offer wins: the caller
	// ignores the responder's, and the responder withdraws its own, answers,
	// and offers its change again afterwards.
	if m.renegotiating {
		if m.cfg.Role == RoleInitiator {
			m.log.Debug("ignoring colliding offer")
			return nil
		}
		if err := m.peer.RollbackOffer(); err != nil {
			return m.failLocked(fmt.Errorf("rollback offer: %w", err))
		}
		m.renegotiating = false
		m.pending = true
	}

	if err := m.peer.SetRemoteDescription(offer); err != nil {
		return m.failLocked(fmt.Errorf("apply offer: %w", err))
	}
	answer, err := m.peer.CreateAnswer(ctx)
	if err != nil {
		return m.failLocked(fmt.Errorf("create answer: %w", err))
	}
	if _, err := m.out.Send(ctx, m.cfg.CallID, m.cfg.Self, msg.FromID, signaling.TypeAnswer, answer); err != nil {
		return m.failLocked(fmt.Errorf("send answer: %w", err))
	}
	if initial {
		m.setLocked(StateAnswerSent)
	} else {
		m.log.Debug("answered renegotiation offer")
	}
	return nil
}

func (m *Machine) handleAnswerLocked(msg signaling.Message) error {
	expected := (m.cfg.Role == RoleInitiator && m.state == StateAwaitingAnswer) ||
		(m.state == StateConnected && m.renegotiating)
	if !expected {
		return fmt.Errorf("%w: answer in %s", ErrUnexpectedSignal, m.state)
	}
	var answer webrtc.SessionDescription
	if err := msg.Decode(&answer); err != nil {
		return fmt.Errorf("%w: answer: %v", signaling.ErrInvalidSignal, err)
	}
	if err := m.peer.SetRemoteDescription(answer); err != nil {
		return m.failLocked(fmt.Errorf("apply answer: %w", err))
	}
	m.renegotiating = false
	return nil
}

// handleCandidate applies a remote candidate in any live state. The peer
// buffers it if no remote description is set yet.
func (m *Machine) handleCandidate(msg signaling.Message) error {
	if m.State() == StateFailed {
		return ErrFailed
	}
	var c webrtc.ICECandidateInit
	if err := msg.Decode(&c); err != nil {
		return fmt.Errorf("%w: candidate: %v", signaling.ErrInvalidSignal, err)
	}
	if err := m.peer.AddICECandidate(c); err != nil {
		m.log.Warn("remote candidate rejected", "err", err)
		return err
	}
	return nil
}

// LocalCandidate forwards a locally gathered candidate to the other party as
// soon as it exists, whatever the offer/answer state.
func (m *Machine) LocalCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	state, remote := m.state, m.remote
	m.mu.Unlock()
	if state == StateFailed {
		return ErrFailed
	}
	if _, err := m.out.Send(ctx, m.cfg.CallID, m.cfg.Self, remote, signaling.TypeICECandidate, c); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.failLocked(fmt.Errorf("send candidate: %w", err))
	}
	return nil
}

// ConnectionStateChanged feeds the peer connection state in and returns the
// resulting machine state. Disconnected, failed and closed are terminal.
func (m *Machine) ConnectionStateChanged(st webrtc.PeerConnectionState) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return m.state
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if m.state != StateConnected {
			m.setLocked(StateConnected)
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		m.log.Warn("connection lost", "connection_state", st.String())
		m.setLocked(StateFailed)
	}
	return m.state
}

// Renegotiate sends a fresh offer after local tracks changed. Outside a
// stable connected state the request is remembered and FlushPending sends it
// later. Before the caller's first offer nothing is queued; that offer
// carries the tracks.
func (m *Machine) Renegotiate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == StateFailed:
		return nil
	case m.state == StateIdle, m.state == StateAwaitingCallActive:
		return nil
	case m.state != StateConnected || m.renegotiating:
		m.pending = true
		return nil
	}
	offer, err := m.peer.CreateOffer(ctx)
	if err != nil {
		// another exchange is in flight
		m.log.Debug("renegotiation deferred", "err", err)
		m.pending = true
		return nil
	}
	m.pending = false
	if _, err := m.out.Send(ctx, m.cfg.CallID, m.cfg.Self, m.remote, signaling.TypeOffer, offer); err != nil {
		return m.failLocked(fmt.Errorf("send renegotiation offer: %w", err))
	}
	m.renegotiating = true
	return nil
}

// FlushPending sends a queued renegotiation if the connection is up and no
// other offer is outstanding.
func (m *Machine) FlushPending(ctx context.Context) error {
	if !m.Pending() {
		return nil
	}
	return m.Renegotiate(ctx)
}

// Pending reports whether a renegotiation is waiting to be sent.
func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending && m.state == StateConnected && !m.renegotiating
}

func (m *Machine) setLocked(s State) {
	m.log.Debug("negotiation state", "from", string(m.state), "to", string(s))
	m.state = s
}

func (m *Machine) failLocked(err error) error {
	m.log.Error("negotiation failed", "state", string(m.state), "err", err)
	m.state = StateFailed
	return err
}
