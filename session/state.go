// Package session holds the connection and authentication state machine of
// the single device the engine talks to.
package session

import (
	"errors"
	"fmt"

	"github.com/mjasion/meterlink/device"
)

// State is a session state.
type State string

const (
	Idle           State = "idle"
	Connecting     State = "connecting"
	Connected      State = "connected"
	Authenticating State = "authenticating"
	Authenticated  State = "authenticated"
	Disconnecting  State = "disconnecting"
	// Failed is transient: it is always followed by Idle.
	Failed State = "failed"
)

var (
	// ErrInvalidState is returned for a command not allowed in the current state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrBusy is returned when a conflicting command is already in flight.
	ErrBusy = errors.New("session busy")
	// ErrSuperseded is returned by a command whose cycle ended while it was
	// waiting on the device.
	ErrSuperseded = errors.New("superseded by disconnect")
)

func invalidState(op string, s State) error {
	return fmt.Errorf("%s from %s: %w", op, s, ErrInvalidState)
}

// AuthLossPolicy decides what happens when telemetry reports that the device
// no longer considers the session authenticated.
type AuthLossPolicy string

const (
	// PolicyRevert silently drops back to Connected.
	PolicyRevert AuthLossPolicy = "revert"
	// PolicyPrompt drops back to Connected and flags that a password is needed.
	PolicyPrompt AuthLossPolicy = "prompt"
)

// Valid reports whether p is a known policy.
func (p AuthLossPolicy) Valid() bool {
	return p == PolicyRevert || p == PolicyPrompt
}

// Snapshot is a consistent copy of the session.
type Snapshot struct {
	ID            string             `json:"id,omitempty"`
	State         State              `json:"state"`
	Descriptor    *device.Descriptor `json:"descriptor,omitempty"`
	Family        device.Family      `json:"family,omitempty"`
	Authenticated bool               `json:"authenticated"`
	// AuthRequired asks the user-facing layer for the password right away.
	AuthRequired bool `json:"authRequired"`
	// OutputHint is the optimistic relay state after a toggle, replaced by
	// every observed reading.
	OutputHint *bool `json:"outputHint,omitempty"`
	LastError  error `json:"-"`
}

// Transition is delivered to listeners after every state change.
type Transition struct {
	From     State
	To       State
	Snapshot Snapshot
}

// Listener observes transitions. Listeners run in order, outside the session
// lock, and may call back into the session.
type Listener func(Transition)
