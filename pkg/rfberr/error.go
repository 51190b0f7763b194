// Package rfberr defines the error taxonomy shared by every RFB
// component: transport, protocol, auth, codec, local-resource and
// flow-control failures, per the recovery policy in the protocol
// specification.
package rfberr

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Kind classifies an Error for recovery-policy purposes. Only
// Transport and Auth errors are fatal to a session; Codec errors fall
// back or drop a single rectangle; LocalResource errors affect only
// the pending accept; Flow errors never close a connection.
type Kind int

const (
	// Transport covers connection reset, timeout, and EOF conditions.
	Transport Kind = iota
	// Protocol covers malformed or out-of-sequence wire data.
	Protocol
	// Auth covers challenge-response and credential failures.
	Auth
	// Codec covers encoder/decoder failures (OOM, corrupt stream).
	Codec
	// LocalResource covers local exhaustion such as EMFILE on accept.
	LocalResource
	// Flow covers flow-control bookkeeping anomalies.
	Flow
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Auth:
		return "auth"
	case Codec:
		return "codec"
	case LocalResource:
		return "local_resource"
	case Flow:
		return "flow"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned throughout this module.
// It wraps an optional cause and carries the operation name so logs
// can report "what failed" without string-matching on messages.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether errors of this kind must close the session,
// per the recovery policy: only Transport and Auth are fatal.
func (e *Error) Fatal() bool {
	return e.Kind == Transport || e.Kind == Auth
}

// New constructs an *Error of the given kind.
func New(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// Is supports errors.Is comparisons against a Kind sentinel created
// with New(kind, "", "", nil).
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Kind == e.Kind && o.Op == "" && o.Msg == ""
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// defaulting to Transport for unrecognised errors since most failures
// below the protocol layer are I/O in nature.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transport
}

// Aggregate collects teardown errors from multiple independent
// resources (zlib streams, H.264 contexts, ...) so that one failure
// freeing a resource never masks failures freeing the others.
type Aggregate struct {
	merr *multierror.Error
}

// Append records err into the aggregate if non-nil.
func (a *Aggregate) Append(err error) {
	if err == nil {
		return
	}
	a.merr = multierror.Append(a.merr, err)
}

// ErrorOrNil returns the aggregated error, or nil if nothing was
// appended.
func (a *Aggregate) ErrorOrNil() error {
	if a.merr == nil {
		return nil
	}
	return a.merr.ErrorOrNil()
}
