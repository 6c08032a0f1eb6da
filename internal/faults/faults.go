// Package faults classifies every failure the sync core can produce so the
// propagation policy (retry, queue, fall back to cache, surface to caller)
// can be decided from the error value alone.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind partitions failures by how callers must react to them.
type Kind int

const (
	// KindTransientNetwork covers timeouts and 5xx-class failures expected
	// to succeed on retry.
	KindTransientNetwork Kind = iota
	// KindAuthExpired covers 401-class failures; a token refresh is due
	// before the call is retried.
	KindAuthExpired
	// KindInvalidTransition marks a status update that violates the ride
	// state machine. Dropped and logged, never surfaced to the caller.
	KindInvalidTransition
	// KindValidationFailure covers oversized or malformed payloads and
	// missing required fields. Surfaced immediately, never retried.
	KindValidationFailure
	// KindExhausted marks a used-up retry budget. Terminal for the caller.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "TRANSIENT_NETWORK"
	case KindAuthExpired:
		return "AUTH_EXPIRED"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindValidationFailure:
		return "VALIDATION_FAILURE"
	case KindExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Fault is a classified error. Wrap the underlying cause so errors.Is/As
// still reach it.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New wraps err with the given kind. A nil err is allowed for failures with
// no underlying cause (e.g. a refused precondition).
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Newf is New with fmt.Errorf-style construction of the cause.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err. Unclassified errors are treated as
// transient so that a forgotten classification degrades to "retry later"
// rather than a hard user-facing failure.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransientNetwork
}

// Is lets errors.Is match faults by kind: errors.Is(err, &Fault{Kind: k}).
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f.Kind == other.Kind
}

func IsTransient(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == KindTransientNetwork
}

func IsAuthExpired(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == KindAuthExpired
}

func IsValidation(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == KindValidationFailure
}

func IsExhausted(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == KindExhausted
}

// FromHTTPStatus maps an HTTP response code to a fault kind following the
// propagation policy: 401 asks for a refresh, 408/429/5xx are retryable,
// anything else 4xx is the caller's payload being wrong.
func FromHTTPStatus(status int, err error) *Fault {
	switch {
	case status == http.StatusUnauthorized:
		return New(KindAuthExpired, err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return New(KindTransientNetwork, err)
	case status >= 500:
		return New(KindTransientNetwork, err)
	case status >= 400:
		return New(KindValidationFailure, err)
	default:
		return New(KindTransientNetwork, err)
	}
}
