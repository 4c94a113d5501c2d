// Package enginerr defines the error taxonomy used throughout the
// client engine (spec §7): a small set of variants, not exception
// classes, so callers can branch on kind with errors.As instead of
// string-matching messages.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for recovery/propagation purposes.
type Kind int

const (
	// Transient errors are local and recoverable: drop the offending
	// unit of work (a chunk, a stale reply) and continue.
	Transient Kind = iota
	// Protocol errors indicate the peer violated the wire contract
	// (bad header, wrong handshake order). The session tears down.
	Protocol
	// Transport errors are I/O failures on the socket. The session
	// tears down; the Supervisor may reconnect.
	Transport
	// Stalled marks sustained playout starvation (5s continuous
	// underrun). The session tears down.
	Stalled
	// Fatal errors are unrecoverable at the engine level (OOM, audio
	// device refused to open). No auto-retry.
	Fatal
	// Cancelled marks a caller-initiated abort; callers should treat
	// it as a no-op, not a failure.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case Protocol:
		return "Protocol"
	case Transport:
		return "Transport"
	case Stalled:
		return "Stalled"
	case Fatal:
		return "Fatal"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with an engine-level Kind.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "transport.recv"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given kind, so callers
// can write `enginerr.Is(err, enginerr.Transport)`.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
