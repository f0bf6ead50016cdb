// Package failure classifies errors that cross component boundaries so callers
// can decide between retrying, backing off and giving up.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the error category.
type Kind string

const (
	// Duplicate is a normal dedup outcome, not a fault.
	Duplicate Kind = "DUPLICATE"

	// RateLimited is a local budget rejection. No network call was made.
	RateLimited Kind = "RATE_LIMITED"

	// CircuitOpen is a local rejection caused by observed downstream distress.
	CircuitOpen Kind = "CIRCUIT_OPEN"

	// Transient covers 429, 5xx, timeouts and transport errors.
	Transient Kind = "TRANSIENT"

	// Permanent covers 4xx other than 429/401, malformed payloads and invalid tokens.
	Permanent Kind = "PERMANENT"

	// Unauthorized is a 401/403 from the downstream; remediation is a token refresh.
	Unauthorized Kind = "UNAUTHORIZED"

	// InvalidTransition signals an ordering defect in the question lifecycle.
	InvalidTransition Kind = "INVALID_TRANSITION"
)

// Error carries a Kind plus enough context to log and retry.
type Error struct {
	Kind Kind

	// Op is the operation that failed, e.g. "marketplace.get_question".
	Op string

	// Status is the downstream HTTP status, 0 when no response was received.
	Status int

	// RetryAfter is a hint for RateLimited, CircuitOpen and 429 responses.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus maps a downstream HTTP status to a Kind-coded error.
func FromStatus(op string, status int, err error) *Error {
	e := &Error{Op: op, Status: status, Err: err}
	switch {
	case status == 429:
		e.Kind = Transient
	case status == 401 || status == 403:
		e.Kind = Unauthorized
	case status >= 500 || status == 0 || status == 408:
		e.Kind = Transient
	default:
		e.Kind = Permanent
	}
	return e
}

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a failure of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the operation may succeed later without
// operator intervention. Uncoded errors (storage, programming) are treated
// as retryable so an inbound delivery is retried rather than dropped.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Permanent, InvalidTransition:
		return false
	case Unauthorized:
		return false
	default:
		return true
	}
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
