package pattygo

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error raised by the core, per the error taxonomy.
type Kind int

const (
	// ResolveFailed: hostname resolution error (client). Logged, aborts Start.
	ResolveFailed Kind = iota
	// ConnectFailed: all endpoints exhausted for one connect attempt. Logged, remaining connects continue.
	ConnectFailed
	// AcceptFailed: accept syscall error. Logged, accepting continues.
	AcceptFailed
	// ReadFailed: socket read error mid-frame. Terminal for the connection.
	ReadFailed
	// WriteFailed: socket write error mid-frame. Terminal for the connection.
	WriteFailed
	// FrameUnderflow: ExtractTail on a too-small payload. Reported to caller, does not close.
	FrameUnderflow
	// InvalidFrame: header claims size < 8 or exceeds the configured max. Closes the connection.
	InvalidFrame
	// QueueFull: optional send-queue high-water mark exceeded. Reported to caller.
	QueueFull
	// TimerFailed: tick-rate timer error. Logged, stops rearming.
	TimerFailed
	// CloseFailed: socket close reported an error. Logged; lifecycle continues.
	CloseFailed
)

func (k Kind) String() string {
	switch k {
	case ResolveFailed:
		return "ResolveFailed"
	case ConnectFailed:
		return "ConnectFailed"
	case AcceptFailed:
		return "AcceptFailed"
	case ReadFailed:
		return "ReadFailed"
	case WriteFailed:
		return "WriteFailed"
	case FrameUnderflow:
		return "FrameUnderflow"
	case InvalidFrame:
		return "InvalidFrame"
	case QueueFull:
		return "QueueFull"
	case TimerFailed:
		return "TimerFailed"
	case CloseFailed:
		return "CloseFailed"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind and, when available, the underlying cause so
// errors.Is and errors.As (which follow Unwrap) still reach the
// original net/io error. Error has no Cause method, so pkg/errors'
// errors.Cause stops at the *Error itself.
type Error struct {
	Kind  Kind
	Cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
