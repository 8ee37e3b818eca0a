package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/pkg/telemetry"
)

// Dialer reaches a device and selects its transport variant.
type Dialer func(ctx context.Context, d device.Descriptor) (device.Transport, error)

// Config tunes session behaviour.
type Config struct {
	AuthLossPolicy AuthLossPolicy
	// MismatchLimit is how many consecutive readings may disagree with a
	// toggle before it is reported unconfirmed.
	MismatchLimit int
}

type pendingToggle struct {
	want   bool
	misses int
}

// Session is the state machine of one device connection. It is the only
// writer of session state; device I/O runs outside its lock.
type Session struct {
	dial   Dialer
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu             sync.Mutex
	state          State
	epoch          uint64
	id             string
	descriptor     *device.Descriptor
	transport      device.Transport
	authenticated  bool
	authRequired   bool
	needsReconnect bool
	toggling       bool
	hint           *bool
	pending        *pendingToggle
	lastErr        error

	listeners []Listener
	queue     []Transition
	flushing  bool
}

// New creates a new Session in the Idle state.
func New(dial Dialer, cfg Config, logger *zap.Logger) *Session {
	if cfg.AuthLossPolicy == "" {
		cfg.AuthLossPolicy = PolicyRevert
	}
	if cfg.MismatchLimit <= 0 {
		cfg.MismatchLimit = 2
	}
	return &Session{
		dial:   dial,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/mjasion/meterlink/session"),
		state:  Idle,
	}
}

// OnTransition registers a listener for state changes.
func (s *Session) OnTransition(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		State:         s.state,
		Authenticated: s.authenticated,
		AuthRequired:  s.authRequired,
		LastError:     s.lastErr,
	}
	if s.descriptor != nil {
		d := *s.descriptor
		snap.Descriptor = &d
	}
	if s.transport != nil {
		snap.Family = s.transport.Family()
	}
	if s.hint != nil {
		h := *s.hint
		snap.OutputHint = &h
	}
	return snap
}

// setLocked changes state and queues the transition for listeners.
func (s *Session) setLocked(to State) {
	from := s.state
	s.state = to
	s.queue = append(s.queue, Transition{From: from, To: to, Snapshot: s.snapshotLocked()})
}

// flush delivers queued transitions in order. A nested call from a listener
// returns at once; the outer loop picks up whatever it queued.
func (s *Session) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.queue) > 0 {
		batch := s.queue
		s.queue = nil
		listeners := append([]Listener(nil), s.listeners...)
		s.mu.Unlock()

		for _, t := range batch {
			s.logger.Debug("session transition",
				zap.String("from", string(t.From)),
				zap.String("to", string(t.To)),
				zap.String("session_id", t.Snapshot.ID))
			for _, l := range listeners {
				l(t)
			}
		}

		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

func (s *Session) resetLocked() {
	s.id = ""
	s.descriptor = nil
	s.transport = nil
	s.authenticated = false
	s.authRequired = false
	s.needsReconnect = false
	s.toggling = false
	s.hint = nil
	s.pending = nil
}

// Connect reaches the device and records it. Families that need no password
// continue straight to Authenticated.
func (s *Session) Connect(ctx context.Context, d device.Descriptor) error {
	ctx, span := s.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.String("device.address", d.Address)))
	defer span.End()

	s.mu.Lock()
	switch s.state {
	case Idle:
	case Connecting:
		s.mu.Unlock()
		return ErrBusy
	default:
		state := s.state
		s.mu.Unlock()
		return invalidState("connect", state)
	}
	s.epoch++
	epoch := s.epoch
	s.lastErr = nil
	desc := d
	s.descriptor = &desc
	s.setLocked(Connecting)
	s.mu.Unlock()
	s.flush()

	transport, err := s.dial(ctx, d)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.flush()
		return ErrSuperseded
	}
	if err != nil {
		if device.KindOf(err) == "" {
			err = device.ConnectionError("connect", err)
		}
		s.lastErr = err
		s.setLocked(Failed)
		s.resetLocked()
		s.setLocked(Idle)
		s.mu.Unlock()
		s.flush()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.WarnWithTrace(ctx, s.logger, "connect failed",
			zap.String("address", d.Address),
			zap.Error(err))
		return err
	}

	s.transport = transport
	s.id = uuid.NewString()
	id := s.id
	s.setLocked(Connected)
	if !transport.RequiresAuth() {
		s.authenticated = true
		s.setLocked(Authenticated)
	}
	s.mu.Unlock()
	s.flush()

	span.SetAttributes(
		attribute.String("session.id", id),
		attribute.String("device.family", string(transport.Family())))
	span.SetStatus(codes.Ok, "connected")
	telemetry.InfoWithTrace(ctx, s.logger, "connected",
		zap.String("address", d.Address),
		zap.String("session_id", id),
		zap.String("family", string(transport.Family())))
	return nil
}

// Authenticate sends the password. Wrong credentials and network failures
// leave the session Connected for a retry; an unexpected reply requires a
// fresh Connect.
func (s *Session) Authenticate(ctx context.Context, password string) error {
	ctx, span := s.tracer.Start(ctx, "session.authenticate")
	defer span.End()

	s.mu.Lock()
	if s.state == Authenticated && s.transport != nil && !s.transport.RequiresAuth() {
		s.mu.Unlock()
		return nil
	}
	switch s.state {
	case Connected:
	case Authenticating:
		s.mu.Unlock()
		return ErrBusy
	default:
		state := s.state
		s.mu.Unlock()
		return invalidState("authenticate", state)
	}
	if s.needsReconnect {
		err := device.ProtocolError("authenticate", errors.New("session needs a fresh connect"))
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	epoch := s.epoch
	transport := s.transport
	id := s.id
	s.setLocked(Authenticating)
	s.mu.Unlock()
	s.flush()

	var outcome error
	resp, err := transport.Access(ctx, password)
	if err != nil {
		outcome = device.ConnectionError("authenticate", err)
	} else {
		outcome = accessOutcome(resp)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.flush()
		return ErrSuperseded
	}
	if outcome == nil {
		s.authenticated = true
		s.authRequired = false
		s.lastErr = nil
		s.setLocked(Authenticated)
	} else {
		if device.KindOf(outcome) == device.KindProtocol {
			s.needsReconnect = true
		}
		s.lastErr = outcome
		s.setLocked(Connected)
	}
	s.mu.Unlock()
	s.flush()

	if outcome != nil {
		span.RecordError(outcome)
		span.SetStatus(codes.Error, outcome.Error())
		telemetry.WarnWithTrace(ctx, s.logger, "authentication failed",
			zap.String("session_id", id),
			zap.String("kind", string(device.KindOf(outcome))),
			zap.Error(outcome))
		return outcome
	}
	span.SetStatus(codes.Ok, "authenticated")
	telemetry.InfoWithTrace(ctx, s.logger, "authenticated", zap.String("session_id", id))
	return nil
}

// Disconnect ends the session. The device is notified best-effort; a
// notification timeout is the normal outcome. The session always ends Idle.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.disconnect(ctx, nil)
}

// ForceDisconnect ends the session on behalf of the link health monitor and
// records cause as a LinkLostError.
func (s *Session) ForceDisconnect(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("link lost")
	}
	return s.disconnect(ctx, cause)
}

func (s *Session) disconnect(ctx context.Context, cause error) error {
	ctx, span := s.tracer.Start(ctx, "session.disconnect", trace.WithAttributes(
		attribute.Bool("forced", cause != nil)))
	defer span.End()

	s.mu.Lock()
	if s.state == Idle || s.state == Disconnecting {
		s.mu.Unlock()
		return nil
	}
	s.epoch++
	transport := s.transport
	id := s.id
	if cause != nil {
		s.lastErr = device.LinkLostError("disconnect", cause)
	}
	s.setLocked(Disconnecting)
	s.mu.Unlock()
	s.flush()

	if transport != nil {
		if err := transport.Disconnect(ctx); err != nil {
			if device.IsTimeout(err) {
				telemetry.DebugWithTrace(ctx, s.logger, "disconnect notification timed out",
					zap.String("session_id", id))
			} else {
				telemetry.WarnWithTrace(ctx, s.logger, "disconnect notification failed",
					zap.String("session_id", id),
					zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	s.resetLocked()
	if cause == nil {
		s.lastErr = nil
	}
	s.setLocked(Idle)
	s.mu.Unlock()
	s.flush()

	telemetry.InfoWithTrace(ctx, s.logger, "disconnected",
		zap.String("session_id", id),
		zap.Bool("forced", cause != nil))
	return nil
}
