package framer

import (
	"errors"
	"fmt"
)

// State is the three-way result of a parse attempt.
type State uint8

const (
	// Incomplete: every byte so far is valid but the head has not ended.
	Incomplete State = iota + 1
	// Complete: a whole head was parsed.
	Complete
	// Malformed: the bytes can never become a valid head.
	Malformed
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ErrIncomplete is returned by Outcome.Err when more bytes are needed.
var ErrIncomplete = errors.New("incomplete message head")

// MalformedError reports the first grammar violation.
type MalformedError struct {
	Reason string
	Offset int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message head at byte %d: %s", e.Offset, e.Reason)
}

// Outcome is what a parse returns. Message is only meaningful when State is
// Complete, in which case Consumed is the length of the head including the
// terminating blank line. Offset locates a Malformed violation.
type Outcome[M any] struct {
	State    State
	Message  M
	Consumed int
	Reason   string
	Offset   int
}

// Err maps the outcome onto error values: nil, ErrIncomplete or a
// *MalformedError.
func (o Outcome[M]) Err() error {
	switch o.State {
	case Complete:
		return nil
	case Incomplete:
		return fmt.Errorf("%w: %s", ErrIncomplete, o.Reason)
	default:
		return &MalformedError{Reason: o.Reason, Offset: o.Offset}
	}
}
