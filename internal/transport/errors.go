package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is the cause attached to operations on a closed Connection.
var ErrClosed = errors.New("connection closed")

// ErrKind classifies per-call I/O failures.
type ErrKind uint8

const (
	KindWriteFailed ErrKind = iota + 1
	KindReadFailed
	KindClosed
)

func (k ErrKind) String() string {
	switch k {
	case KindWriteFailed:
		return "write failed"
	case KindReadFailed:
		return "read failed"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown transport error %d", uint8(k))
	}
}

// Error is returned by Send, Recv, Finish and Close. The same kinds are used
// whatever variant produced the failure.
type Error struct {
	Kind      ErrKind
	Transport Kind
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Transport, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Transport, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindClosed})
// works without caring about the variant.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// IsClosed reports whether err signals use of a closed Connection.
func IsClosed(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindClosed
}

// Stage names the step of connection establishment that failed.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageBind      Stage = "bind"
	StageDial      Stage = "dial"
	StageTrust     Stage = "trust"
	StageHandshake Stage = "handshake"
	StageStream    Stage = "stream"
)

// ConnectError reports a failed connect. Constructors never return a
// partially built Connection alongside it.
type ConnectError struct {
	Transport Kind
	Stage     Stage
	Addr      string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not establish %s connection to %s (%s): %v", e.Transport, e.Addr, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError builds a ConnectError and records it in metrics.
func NewConnectError(kind Kind, stage Stage, addr string, err error) *ConnectError {
	connectFailed(kind, stage)
	return &ConnectError{Transport: kind, Stage: stage, Addr: addr, Err: err}
}
