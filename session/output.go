package session

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/pkg/telemetry"
	"github.com/mjasion/meterlink/reading"
)

// ToggleOutput switches the relay. On success the requested state becomes a
// hint only; the next reading decides.
func (s *Session) ToggleOutput(ctx context.Context, on bool) error {
	ctx, span := s.tracer.Start(ctx, "session.toggle_output", trace.WithAttributes(
		attribute.Bool("output.on", on)))
	defer span.End()

	s.mu.Lock()
	if s.state != Authenticated {
		state := s.state
		s.mu.Unlock()
		return invalidState("toggle output", state)
	}
	if s.toggling {
		s.mu.Unlock()
		return ErrBusy
	}
	s.toggling = true
	epoch := s.epoch
	transport := s.transport
	id := s.id
	s.mu.Unlock()

	var outcome error
	resp, err := transport.SetOutput(ctx, on)
	if err != nil {
		outcome = device.ConnectionError("toggle_output", err)
	} else {
		outcome = commandOutcome(resp)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.toggling = false
	if outcome == nil {
		s.hint = &on
		s.pending = &pendingToggle{want: on}
		s.lastErr = nil
	} else {
		s.lastErr = outcome
	}
	s.mu.Unlock()

	if outcome != nil {
		span.RecordError(outcome)
		span.SetStatus(codes.Error, outcome.Error())
		telemetry.WarnWithTrace(ctx, s.logger, "output toggle failed",
			zap.String("session_id", id),
			zap.Bool("on", on),
			zap.Error(outcome))
		return outcome
	}
	span.SetStatus(codes.Ok, "toggled")
	telemetry.InfoWithTrace(ctx, s.logger, "output toggled",
		zap.String("session_id", id),
		zap.Bool("on", on))
	return nil
}

// FetchTelemetry returns the raw telemetry payload and the family that
// produced it.
func (s *Session) FetchTelemetry(ctx context.Context) ([]byte, device.Family, error) {
	s.mu.Lock()
	if s.state != Authenticated {
		state := s.state
		s.mu.Unlock()
		return nil, "", invalidState("fetch telemetry", state)
	}
	transport := s.transport
	s.mu.Unlock()

	body, err := transport.Telemetry(ctx)
	if err != nil {
		return nil, transport.Family(), device.ConnectionError("telemetry", err)
	}
	return body, transport.Family(), nil
}

// Probe issues the reachability probe against the current device.
func (s *Session) Probe(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	state := s.state
	s.mu.Unlock()
	if transport == nil {
		return invalidState("probe", state)
	}
	if err := transport.Probe(ctx); err != nil {
		return device.ConnectionError("probe", err)
	}
	return nil
}

// ObserveReading reconciles the session with a fresh reading: the relay hint
// is replaced, a pending toggle is confirmed or counted as a miss, and an
// embedded access flag reporting de-authentication drops the session back to
// Connected according to the auth-loss policy.
func (s *Session) ObserveReading(r reading.Reading) {
	s.mu.Lock()
	if s.state != Authenticated {
		s.mu.Unlock()
		return
	}

	output := r.Output
	s.hint = &output

	var unconfirmed *pendingToggle
	if p := s.pending; p != nil {
		if r.Output == p.want {
			s.pending = nil
		} else {
			p.misses++
			if p.misses >= s.cfg.MismatchLimit {
				unconfirmed = p
				s.pending = nil
			}
		}
	}

	lost := r.Access != nil && !*r.Access && s.transport != nil && s.transport.RequiresAuth()
	if lost {
		s.authenticated = false
		if s.cfg.AuthLossPolicy == PolicyPrompt {
			s.authRequired = true
			s.lastErr = device.AuthError("telemetry", errors.New("authentication lost"))
		}
		s.setLocked(Connected)
	}
	id := s.id
	s.mu.Unlock()
	s.flush()

	if unconfirmed != nil {
		s.logger.Warn("output state not confirmed",
			zap.String("session_id", id),
			zap.Bool("requested", unconfirmed.want),
			zap.Bool("reported", r.Output),
			zap.Int("readings", unconfirmed.misses))
	}
	if lost {
		s.logger.Info("device reports session no longer authenticated",
			zap.String("session_id", id),
			zap.String("policy", string(s.cfg.AuthLossPolicy)))
	}
}
