package device

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the engine surfaces to the user-facing layer.
type Kind string

const (
	KindConnection    Kind = "connection"
	KindAuth          Kind = "auth"
	KindProtocol      Kind = "protocol"
	KindMalformedData Kind = "malformed_data"
	KindLinkLost      Kind = "link_lost"
)

var (
	ErrConnection    = errors.New("connection error")
	ErrAuth          = errors.New("authentication error")
	ErrProtocol      = errors.New("protocol error")
	ErrMalformedData = errors.New("malformed data")
	ErrLinkLost      = errors.New("link lost")

	// ErrTimeout marks a request that hit its own deadline. It is always
	// wrapped inside an *Error of some kind.
	ErrTimeout = errors.New("request timed out")
)

var kindSentinels = map[Kind]error{
	KindConnection:    ErrConnection,
	KindAuth:          ErrAuth,
	KindProtocol:      ErrProtocol,
	KindMalformedData: ErrMalformedData,
	KindLinkLost:      ErrLinkLost,
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, kindSentinels[e.Kind])
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kindSentinels[e.Kind], e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrAuth)
// works through any amount of wrapping.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConnectionError wraps err as a recoverable network-level failure.
func ConnectionError(op string, err error) *Error {
	return newError(KindConnection, op, err)
}

// AuthError reports an explicit wrong-credential reply.
func AuthError(op string, err error) *Error {
	return newError(KindAuth, op, err)
}

// ProtocolError reports an unexpected or unparsable device reply.
func ProtocolError(op string, err error) *Error {
	return newError(KindProtocol, op, err)
}

// MalformedDataError reports a telemetry payload that could not be parsed at all.
func MalformedDataError(op string, err error) *Error {
	return newError(KindMalformedData, op, err)
}

// LinkLostError is raised by the link health monitor.
func LinkLostError(op string, err error) *Error {
	return newError(KindLinkLost, op, err)
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err was caused by a request deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
