// Package errkind classifies the error taxonomy of the consensus and
// execution pipeline so that callers can branch on "what kind of failure
// was this" without string matching, while still behaving like ordinary
// wrapped Go errors everywhere else.
package errkind

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind enumerates the error taxonomy.
type Kind int

const (
	// Unknown is the zero value; never returned by this package's constructors.
	Unknown Kind = iota
	// InvalidSignature means an envelope or data signature check failed.
	InvalidSignature
	// OutOfWindow means seq < next_execute_seq: the message is for an
	// already-executed sequence number.
	OutOfWindow
	// BeyondWindow means seq >= next_execute_seq + W: the message is too
	// far ahead of the current execution window.
	BeyondWindow
	// ViewMismatch means current_view != local view.
	ViewMismatch
	// DuplicateProposal means the request's hash is already in the
	// proposed set.
	DuplicateProposal
	// NotLeader means a non-primary replica received a NewTxns message
	// that should have been routed to the primary.
	NotLeader
	// TransportFailure means a channel send/recv failed after retries.
	TransportFailure
	// QuorumTimeout means a client's batch did not receive f+1 matching
	// replies before its timeout elapsed.
	QuorumTimeout
	// InternalInvariantViolation means a collector, executor, or pool
	// observed a state that the protocol guarantees cannot happen.
	// Treated as fatal: the process should abort and restart clean.
	InternalInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case InvalidSignature:
		return "InvalidSignature"
	case OutOfWindow:
		return "OutOfWindow"
	case BeyondWindow:
		return "BeyondWindow"
	case ViewMismatch:
		return "ViewMismatch"
	case DuplicateProposal:
		return "DuplicateProposal"
	case NotLeader:
		return "NotLeader"
	case TransportFailure:
		return "TransportFailure"
	case QuorumTimeout:
		return "QuorumTimeout"
	case InternalInvariantViolation:
		return "InternalInvariantViolation"
	default:
		return "Unknown"
	}
}

// Code returns the gRPC status code this Kind is classified as, used
// uniformly to report faults even where no gRPC transport is involved.
func (k Kind) Code() codes.Code {
	switch k {
	case InvalidSignature:
		return codes.Unauthenticated
	case OutOfWindow:
		return codes.OutOfRange
	case BeyondWindow:
		return codes.ResourceExhausted
	case ViewMismatch:
		return codes.FailedPrecondition
	case DuplicateProposal:
		return codes.AlreadyExists
	case NotLeader:
		return codes.Unavailable
	case TransportFailure:
		return codes.Unavailable
	case QuorumTimeout:
		return codes.DeadlineExceeded
	case InternalInvariantViolation:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Fault is an error carrying a classified Kind, wrapping an optional cause.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a *Fault with no wrapped cause.
func New(kind Kind, op string) error {
	return &Fault{Kind: kind, Op: op}
}

// Wrap builds a *Fault wrapping err, or returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Fault of the given Kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown if err is not a *Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}
