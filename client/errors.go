package client

import (
	"errors"
	"fmt"
)

// ErrPrecondition is wrapped by every synchronous caller-misuse error
// (for example Send while not joined). Precondition errors never transition
// session state and never reach the transport.
var ErrPrecondition = errors.New("client: precondition failed")

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// FailureKind classifies asynchronous failures surfaced through the session's
// lastError slot.
type FailureKind uint8

// Failure kinds.
const (
	// FailureHandshakeRejected: the server refused the handshake (invalid or
	// expired ticket, blocked account, duplicate session). Retrying with the
	// same credential is pointless.
	FailureHandshakeRejected FailureKind = iota + 1

	// FailureConnectionLost: the connection dropped abnormally or a bounded
	// acknowledgment window elapsed. The caller may reconnect.
	FailureConnectionLost

	// FailureJoinRejected: the server rejected a membership operation, or
	// its acknowledgment window elapsed. The connection survives.
	FailureJoinRejected

	// FailureDomain: a non-fatal server-side rejection (for example a refused
	// send). The connection survives.
	FailureDomain
)

// String returns a stable label for logs.
func (k FailureKind) String() string {
	switch k {
	case FailureHandshakeRejected:
		return "handshake_rejected"
	case FailureConnectionLost:
		return "connection_lost"
	case FailureJoinRejected:
		return "join_rejected"
	case FailureDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// Failure is the inspectable error descriptor stored in the session's
// lastError slot. The kind alone is enough for a UI to distinguish "lost
// connection, can retry" from "rejected, retrying is pointless" without
// looking at transport internals.
type Failure struct {
	Kind    FailureKind
	Code    string
	Message string
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Message == "" {
		return fmt.Sprintf("%s (%s)", f.Kind, f.Code)
	}
	return fmt.Sprintf("%s (%s): %s", f.Kind, f.Code, f.Message)
}

// Retryable reports whether reconnecting with a fresh credential can
// plausibly succeed.
func (f *Failure) Retryable() bool {
	if f == nil {
		return false
	}
	return f.Kind != FailureHandshakeRejected
}
