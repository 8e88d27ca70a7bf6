/*
Package mesherr defines the closed error taxonomy shared by every component.

Errors carry a Kind so that boundaries (crawler, orchestrator, DHT handlers,
MCP surface) can decide retry/drop/reject policy without string matching.
*/
package mesherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the closed failure categories.
type Kind int

const (
	// KindUnknown is the zero value; errors without an explicit kind.
	KindUnknown Kind = iota

	// KindInputRejected covers SSRF violations, bad URL schemes, robots
	// denial, size overflows and unsupported content. Never retried.
	KindInputRejected

	// KindTransientIO covers HTTP 5xx, connection resets and stream
	// timeouts. Retried with exponential backoff up to a cap.
	KindTransientIO

	// KindProtocolViolation covers bad signatures, stale envelopes,
	// replays and schema failures. The message is dropped and the peer
	// is penalized; the process never crashes on these.
	KindProtocolViolation

	// KindResourceExhausted covers QPM, concurrency, bandwidth and disk
	// limits. Surfaced to callers as BUSY.
	KindResourceExhausted

	// KindTrustDenied covers isolated peers and insufficient tiers.
	KindTrustDenied

	// KindLocalCorruption covers index checksum failures. The affected
	// range is quarantined and the rest keeps serving.
	KindLocalCorruption

	// KindFatal covers unrecoverable conditions: identity key lost,
	// ledger chain broken. The node refuses to start or halts after
	// persisting state.
	KindFatal
)

// String returns the wire-stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInputRejected:
		return "input_rejected"
	case KindTransientIO:
		return "transient_io"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTrustDenied:
		return "trust_denied"
	case KindLocalCorruption:
		return "local_corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Returns KindUnknown when no kinded error is present.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure may be retried by the caller.
// Only transient I/O qualifies; resource exhaustion may be retried later
// but not immediately, so it is excluded here.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientIO
}
