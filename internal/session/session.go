// ABOUTME: Per-connection session lifecycle for wallboard live channels.
// ABOUTME: Drives the Connecting→Identified→Active→Closed state machine over a websocket.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/wallboard-gateway/internal/auth"
	"github.com/2389/wallboard-gateway/internal/presence"
	"github.com/2389/wallboard-gateway/internal/relay"
	"github.com/2389/wallboard-gateway/internal/wire"
)

// Session errors
var (
	// ErrInvalidIdentity indicates a handshake with a missing identity, an
	// unrecognized role, or an identity that does not match the
	// authenticated subject. The connection is closed immediately.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrAlreadyIdentified indicates an identify event on an already-active
	// session. The event is rejected; the connection stays open.
	ErrAlreadyIdentified = errors.New("already identified")

	// ErrSessionClosed indicates a push to a session whose transport is
	// shutting down.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer indicates the outbound buffer is full; the event is
	// dropped for this session only.
	ErrSlowConsumer = errors.New("outbound buffer full")
)

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota // transport open, no handshake yet
	StateIdentified              // handshake validated, not yet registered
	StateActive                  // registered in the presence registry
	StateClosed
)

// Transport abstracts the live channel so the state machine is testable
// without a network connection. The production implementation wraps a
// websocket connection.
type Transport interface {
	// Read blocks until the next inbound text frame.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one outbound text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the transport with the given status.
	Close(code websocket.StatusCode, reason string) error
}

// Config holds per-session tunables.
type Config struct {
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration

	// SendBuffer is the outbound channel capacity. When full, further
	// pushes to this session are dropped.
	SendBuffer int
}

// Ensure Session satisfies the registry's handle capability.
var _ presence.Handle = (*Session)(nil)

// Session owns one live channel for its whole duration. Inbound events are
// processed in arrival order on the read loop; outbound pushes go through a
// buffered channel drained by the write loop, so pushing never blocks the
// registry or the relay.
type Session struct {
	id        string
	transport Transport
	registry  *presence.Registry
	relay     *relay.Relay
	subject   auth.Subject
	cfg       Config
	logger    *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	send       chan []byte
	writerDone chan struct{}

	mu         sync.Mutex
	state      State
	identity   string
	role       string
	team       string
	registered bool

	closeSet    bool
	closeCode   websocket.StatusCode
	closeReason string
}

// New creates a session for an authenticated subject. The session becomes
// live when Run is called and is torn down when Run returns.
func New(ctx context.Context, transport Transport, registry *presence.Registry, rl *relay.Relay, subject auth.Subject, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	id := uuid.New().String()
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:          id,
		transport:   transport,
		registry:    registry,
		relay:       rl,
		subject:     subject,
		cfg:         cfg,
		logger:      logger.With("component", "session", "session_id", id),
		ctx:         sctx,
		cancel:      cancel,
		send:        make(chan []byte, cfg.SendBuffer),
		writerDone:  make(chan struct{}),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "",
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session until the transport closes or the session is
// kicked. Cleanup is unconditional: every exit path, including abrupt
// transport failure, releases the presence entry if it still points at
// this session.
func (s *Session) Run() {
	go s.writeLoop()

	s.readLoop()

	// Teardown. Release only removes the entry if it still points at this
	// session's handle; a superseded session must not evict its successor.
	s.mu.Lock()
	identity := s.identity
	registered := s.registered
	s.state = StateClosed
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()

	if registered {
		s.registry.Release(identity, s)
	}
	s.cancel()

	// Let the write loop flush any final frames before the transport goes.
	select {
	case <-s.writerDone:
	case <-time.After(s.cfg.WriteTimeout):
	}
	_ = s.transport.Close(code, reason)

	s.logger.Debug("session closed", "identity", identity)
}

func (s *Session) readLoop() {
	for {
		data, err := s.transport.Read(s.ctx)
		if err != nil {
			return
		}
		s.handleFrame(data)
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.ctx.Done():
			// Flush frames that were queued before shutdown so a final
			// notification (superseded, kicked) still reaches the client.
			for {
				select {
				case data := <-s.send:
					if err := s.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return s.transport.Write(ctx, data)
}

// handleFrame dispatches one inbound frame. Protocol misuse degrades
// gracefully (failure ack, connection stays open); only an invalid
// handshake terminates the connection.
func (s *Session) handleFrame(data []byte) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		s.pushError("malformed_frame", err.Error())
		return
	}

	switch env.Event {
	case wire.EventAgentConnect, wire.EventSupervisorConnect:
		s.handleConnect(env)
	case wire.EventUpdateStatus:
		s.requireActive(env.Event, func() { s.handleUpdateStatus(env) })
	case wire.EventSendMessage:
		s.requireActive(env.Event, func() { s.handleSendMessage(env) })
	case wire.EventMarkRead:
		s.requireActive(env.Event, func() { s.handleMarkRead(env) })
	default:
		s.pushError("unknown_event", fmt.Sprintf("unrecognized event %q", env.Event))
	}
}

// requireActive rejects pre-handshake events other than connect with a
// failure ack rather than closing the connection.
func (s *Session) requireActive(event string, fn func()) {
	if s.State() != StateActive {
		s.ack(&wire.Ack{Event: event, OK: false, Error: "identify first"})
		return
	}
	fn()
}

// handleConnect performs the Connecting→Identified→Active transitions.
// Only the first identify is honored; the handshake identity and role must
// match the authenticated subject so the registry key is provably the
// token subject, not a client-chosen string.
func (s *Session) handleConnect(env *wire.Envelope) {
	role := wire.RoleAgent
	if env.Event == wire.EventSupervisorConnect {
		role = wire.RoleSupervisor
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: ErrAlreadyIdentified.Error()})
		return
	}
	s.mu.Unlock()

	p, err := wire.DecodeConnect(env.Payload)
	if err != nil {
		s.closeWith(websocket.StatusPolicyViolation, ErrInvalidIdentity.Error())
		return
	}
	if p.Identity != s.subject.Identity || role != s.subject.Role {
		s.logger.Warn("handshake does not match token subject",
			"claimed_identity", p.Identity,
			"claimed_role", role,
			"subject", s.subject.Identity,
		)
		s.closeWith(websocket.StatusPolicyViolation, ErrInvalidIdentity.Error())
		return
	}

	team := p.Team
	if team == "" {
		team = s.subject.Team
	}

	s.mu.Lock()
	s.state = StateIdentified
	s.identity = p.Identity
	s.role = role
	s.team = team
	s.mu.Unlock()

	if _, err := s.registry.Register(p.Identity, role, team, s); err != nil {
		s.logger.Error("registration failed", "identity", p.Identity, "error", err)
		s.closeWith(websocket.StatusPolicyViolation, ErrInvalidIdentity.Error())
		return
	}

	s.mu.Lock()
	s.state = StateActive
	s.registered = true
	s.mu.Unlock()

	_ = s.Push(wire.EventConnectionSuccess, &wire.ConnectionSuccess{
		Identity: p.Identity,
		Role:     role,
	})
	s.logger.Info("session active",
		"identity", p.Identity,
		"role", role,
		"team", team,
	)
}

func (s *Session) handleUpdateStatus(env *wire.Envelope) {
	p, err := wire.DecodeUpdateStatus(env.Payload)
	if err != nil {
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: err.Error()})
		return
	}

	if _, err := s.relay.UpdateStatus(s.identity, p.Status); err != nil {
		// A stale event from a connection the registry no longer knows
		// must not crash anything; the sender just gets a failure ack.
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: err.Error()})
		return
	}
	s.ack(&wire.Ack{Event: env.Event, OK: true})
}

func (s *Session) handleSendMessage(env *wire.Envelope) {
	p, err := wire.DecodeSendMessage(env.Payload)
	if err != nil {
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: err.Error()})
		return
	}

	// The sender is always the registered identity, never the wire field.
	msg, _, err := s.relay.SendMessage(s.ctx, s.identity, p)
	if err != nil {
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: relay.ErrSendFailed.Error()})
		return
	}
	s.ack(&wire.Ack{Event: env.Event, OK: true, MessageID: msg.ID})
}

func (s *Session) handleMarkRead(env *wire.Envelope) {
	p, err := wire.DecodeMarkRead(env.Payload)
	if err != nil {
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: err.Error()})
		return
	}

	if err := s.relay.MarkRead(s.ctx, p.MessageID); err != nil {
		s.ack(&wire.Ack{Event: env.Event, OK: false, Error: err.Error()})
		return
	}
	s.ack(&wire.Ack{Event: env.Event, OK: true, MessageID: p.MessageID})
}

// Push implements presence.Handle. It enqueues an outbound event without
// blocking; events for a slow session are dropped rather than stalling the
// sender.
func (s *Session) Push(event string, payload any) error {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	case s.send <- data:
		return nil
	default:
		s.logger.Warn("dropping event for slow session", "event", event)
		return ErrSlowConsumer
	}
}

// Kick implements presence.Handle. It stops further routing to this handle
// immediately; in-flight store writes elsewhere are unaffected.
func (s *Session) Kick(reason string) {
	s.closeWith(websocket.StatusNormalClosure, reason)
}

func (s *Session) ack(a *wire.Ack) {
	_ = s.Push(wire.EventAck, a)
}

func (s *Session) pushError(code, message string) {
	_ = s.Push(wire.EventError, &wire.ErrorEvent{Code: code, Message: message})
}

// closeWith records the close status once and cancels the session context,
// which unblocks both loops. Run performs the actual transport close.
func (s *Session) closeWith(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if !s.closeSet {
		s.closeSet = true
		s.closeCode = code
		s.closeReason = reason
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
}
