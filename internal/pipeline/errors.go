package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by a pipeline.
type ErrorKind int

const (
	// ProviderError is a failed or timed-out STT, LLM or TTS call. The current
	// turn ends and the session returns to idle.
	ProviderError ErrorKind = iota

	// TransportError is a lost client connection. Fatal to the session.
	TransportError

	// ProtocolViolation is a frame received in a state where it makes no
	// sense. Logged and ignored.
	ProtocolViolation

	// InternalInvariantViolation means frame ordering can no longer be
	// trusted, e.g. a stage failed to acknowledge a control frame. Fatal.
	InternalInvariantViolation
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ProviderError:
		return "provider error"
	case TransportError:
		return "transport error"
	case ProtocolViolation:
		return "protocol violation"
	case InternalInvariantViolation:
		return "internal invariant violation"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Fatal reports whether errors of this kind must tear the session down.
func (k ErrorKind) Fatal() bool {
	return k == TransportError || k == InternalInvariantViolation
}

// Error is a classified pipeline failure.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s in stage %q: %v", e.Kind, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// NewError returns an [*Error] of the given kind.
func NewError(kind ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of the first [*Error] in err's chain. Unclassified
// errors are reported as [ProviderError] with ok set to false.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return ProviderError, false
}

// IsFatal reports whether err must end the session.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Fatal()
}

var (
	// ErrClosed is returned when frames are pushed into a cancelled pipeline.
	ErrClosed = errors.New("pipeline: closed")

	// ErrControlAckTimeout is wrapped into an [InternalInvariantViolation]
	// when a stage does not acknowledge a control frame in time.
	ErrControlAckTimeout = errors.New("pipeline: control frame not acknowledged in time")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")

	// errStale marks an interruptible frame dropped at an interruption barrier.
	errStale = errors.New("pipeline: stale frame")
)
